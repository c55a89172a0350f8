// Package stratumcli provides a lightweight CLI framework with colored
// help, subcommand dispatch, and "did you mean?" suggestions.
package stratumcli

import "github.com/lithammer/fuzzysearch/fuzzy"

// Suggest returns the candidate with the smallest Levenshtein distance to
// input (fuzzy.LevenshteinDistance), or "" if none is within
// max(2, len(input)/3) edits. Ties keep the earliest candidate.
func Suggest(input string, candidates []string) string {
	if input == "" {
		return ""
	}

	threshold := max(2, len(input)/3)

	best := ""
	bestRank := threshold + 1

	for _, c := range candidates {
		rank := fuzzy.LevenshteinDistance(input, c)
		if rank < bestRank {
			bestRank = rank
			best = c
		}
	}

	return best
}
