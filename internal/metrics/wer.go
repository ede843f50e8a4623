// Package metrics scores transcripts against reference text.
package metrics

import (
	"errors"
	"strconv"
	"strings"
)

var ErrEmptyReference = errors.New("reference has no words")

// FormatRate renders a score in its shortest form, always with a decimal
// point: 1 is "1.0", 0.5 is "0.5".
func FormatRate(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if strings.ContainsAny(s, ".eIN") {
		return s
	}
	return s + ".0"
}

// WER is the word-level edit distance between reference and hypothesis
// divided by the number of reference words. Words are split on whitespace.
func WER(reference, hypothesis string) (float64, error) {
	ref := strings.Fields(reference)
	if len(ref) == 0 {
		return 0, ErrEmptyReference
	}
	hyp := strings.Fields(hypothesis)

	return float64(editDistance(ref, hyp)) / float64(len(ref)), nil
}

func editDistance(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
