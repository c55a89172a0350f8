package main

import (
	"fmt"

	"github.com/stratumfs/stratum/internal/stratumfs"
)

func runList(store *stratumfs.Store, args []string) int {
	if len(args) > 1 {
		fmt.Println("usage: stratum list [label]")
		return 1
	}
	label := ""
	if len(args) == 1 {
		label = args[0]
	}

	entries, err := store.List(label)
	if err != nil {
		return exitFor(err)
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	return 0
}
