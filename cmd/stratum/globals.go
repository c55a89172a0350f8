package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/stratumfs/stratum/internal/style"
)

type globalFlags struct {
	colorMode style.ColorMode
}

// parseGlobalFlags extracts --color and --no-color from anywhere in args,
// returning the parsed flags and the remaining (filtered) arguments.
func parseGlobalFlags(args []string) (globalFlags, []string) {
	gf := globalFlags{colorMode: style.ColorAuto}
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--no-color" {
			gf.colorMode = style.ColorNever
			continue
		}

		if arg == "--color" && i+1 < len(args) {
			mode, err := style.ParseColorMode(args[i+1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "stratum: %v\n", err)
				os.Exit(1)
			}
			gf.colorMode = mode
			i++
			continue
		}

		if val, ok := strings.CutPrefix(arg, "--color="); ok {
			mode, err := style.ParseColorMode(val)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stratum: %v\n", err)
				os.Exit(1)
			}
			gf.colorMode = mode
			continue
		}

		remaining = append(remaining, arg)
	}

	return gf, remaining
}

// flagValue pulls the value following a named flag (e.g. "--migrate") out of
// args, returning the remaining args with both the flag and its value
// removed. ok is false if the flag was not present.
func flagValue(args []string, name string) (value string, rest []string, ok bool) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			rest = append(rest, args[:i]...)
			rest = append(rest, args[i+2:]...)
			return args[i+1], rest, true
		}
	}
	return "", args, false
}

// flagPresent reports whether name appears in args, returning args with it
// removed.
func flagPresent(args []string, name string) (present bool, rest []string) {
	for i, a := range args {
		if a == name {
			rest = append(rest, args[:i]...)
			rest = append(rest, args[i+1:]...)
			return true, rest
		}
	}
	return false, args
}
