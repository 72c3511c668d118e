// Package transcript holds the pure text routines of the pipeline: overlap
// merging, sentence deduplication, the live transcript cap, caption track
// parsing and medical term correction.
package transcript

import (
	"strings"
	"unicode"
)

// MergeParams bounds the overlap search of Merge.
type MergeParams struct {
	Lookback   int
	MinOverlap int
}

// Merge appends fragment to prev without repeating text the two share.
//
// The last Lookback runes of prev are searched for the longest run they have
// in common with fragment. A run of at least MinOverlap runes is trusted as
// the overlap and only the part of fragment after it is appended. Otherwise
// fragment is appended after a single space. A fragment already ending the
// tail, trailing whitespace aside, leaves prev unchanged.
func Merge(prev, fragment string, p MergeParams) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return prev
	}

	prevRunes := []rune(prev)
	tail := prevRunes
	if p.Lookback >= 0 && len(tail) > p.Lookback {
		tail = tail[len(tail)-p.Lookback:]
	}
	if strings.HasSuffix(strings.TrimRightFunc(string(tail), unicode.IsSpace), fragment) {
		return prev
	}

	frag := []rune(fragment)
	m := longestMatch(tail, frag, 0, len(tail), 0, len(frag))
	if m.Size > 0 && m.Size >= p.MinOverlap {
		rest := string(frag[m.B+m.Size:])
		if strings.TrimSpace(rest) == "" {
			return prev
		}
		return strings.TrimSpace(prev + rest)
	}

	sep := " "
	if prev == "" || strings.HasSuffix(prev, " ") || strings.HasSuffix(prev, "\n") {
		sep = ""
	}
	return strings.TrimSpace(prev + sep + fragment)
}
