package persona

import "github.com/nidhogg/ris/internal/textnorm"

// Similarity is the rune-level edit-distance ratio of two folded names:
// 1 - lev(a, b) / max(len(a), len(b)). Identical names score 1, names
// with nothing in common 0.
func Similarity(a, b string) float64 {
	ra, rb := []rune(textnorm.Fold(a)), []rune(textnorm.Fold(b))
	n := max(len(ra), len(rb))
	if n == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(n)
}

func levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
