package groundtruth

import (
	"strings"
)

// CER is the character error rate of hypothesis against reference: the rune
// edit distance divided by the reference length. It can exceed 1.
func CER(reference, hypothesis string) float64 {
	return errorRate([]rune(reference), []rune(hypothesis))
}

// WER is the word error rate over whitespace-separated words
func WER(reference, hypothesis string) float64 {
	return errorRate(strings.Fields(reference), strings.Fields(hypothesis))
}

func errorRate[T comparable](ref, hyp []T) float64 {
	if len(ref) == 0 {
		if len(hyp) == 0 {
			return 0
		}
		return 1
	}
	return float64(editDistance(ref, hyp)) / float64(len(ref))
}

// editDistance is the Levenshtein distance with unit costs, two rows at a time
func editDistance[T comparable](a, b []T) int {
	if len(a) < len(b) {
		a, b = b, a
	}
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
