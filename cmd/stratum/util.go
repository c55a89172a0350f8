package main

import (
	"strings"

	"github.com/stratumfs/stratum/internal/stratumerr"
)

const shortHashLen = 12

// splitLabelTag splits a LABEL:TAG reference into its two parts, as required
// wherever a command takes a brand-new tag name rather than resolving an
// existing one (e.g. "import --bare --patch"'s new_ref).
func splitLabelTag(raw string) (label, tag string, err error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", stratumerr.New(stratumerr.InvalidRef, "splitLabelTag", raw)
	}
	return parts[0], parts[1], nil
}

// shortHash truncates a full commit hash for display, matching the
// unambiguous-prefix display convention named throughout spec §4.8.
func shortHash(id string) string {
	if len(id) <= shortHashLen {
		return id
	}
	return id[:shortHashLen]
}

// labelOf extracts the LABEL portion of a stratum_ref (LABEL, LABEL:VALUE,
// or LABEL+WORKTREE), used wherever a command needs the namespace a ref
// lives in rather than the ref itself.
func labelOf(raw string) string {
	for i, c := range raw {
		if c == ':' || c == '+' {
			return raw[:i]
		}
	}
	return raw
}
