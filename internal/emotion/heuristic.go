package emotion

import (
	"context"
	"sort"
	"strings"

	"github.com/nidhogg/ris/internal/textnorm"
)

const keySep = "\x1f"

// Heuristic is the local lexical scorer. It is pure and safe for
// concurrent use.
type Heuristic struct {
	tokenizer    *textnorm.Tokenizer
	thresholds   Thresholds
	entries      map[string]*lexEntry
	negators     map[string]struct{}
	intensifiers map[string]float64
	maxEntry     int
	maxModifier  int
}

// NewHeuristic builds a scorer over lx. The tokenizer should include the
// lexicon terms in its dictionary; pass nil to build one from the lexicon
// and the default vocabulary.
func NewHeuristic(lx *Lexicon, tk *textnorm.Tokenizer, th Thresholds) *Heuristic {
	if tk == nil {
		tk = textnorm.NewTokenizer(textnorm.DefaultVocabulary(), lx.Terms())
	}
	h := &Heuristic{
		tokenizer:    tk,
		thresholds:   th,
		entries:      make(map[string]*lexEntry, len(lx.entries)),
		negators:     make(map[string]struct{}, len(lx.negators)),
		intensifiers: make(map[string]float64, len(lx.intensifiers)),
	}
	// Terms are re-keyed by their token sequence so multi-word phrases
	// match across token boundaries.
	for term, e := range lx.entries {
		k, n := h.seqKey(term)
		if n == 0 {
			continue
		}
		h.entries[k] = e
		h.maxEntry = max(h.maxEntry, n)
	}
	for term := range lx.negators {
		k, n := h.seqKey(term)
		if n == 0 {
			continue
		}
		h.negators[k] = struct{}{}
		h.maxModifier = max(h.maxModifier, n)
	}
	for term, f := range lx.intensifiers {
		k, n := h.seqKey(term)
		if n == 0 {
			continue
		}
		h.intensifiers[k] = f
		h.maxModifier = max(h.maxModifier, n)
	}
	return h
}

func (h *Heuristic) seqKey(term string) (string, int) {
	toks := h.tokenizer.Tokenize(term)
	keys := make([]string, len(toks))
	for i, t := range toks {
		keys[i] = t.Key
	}
	return strings.Join(keys, keySep), len(keys)
}

// Score implements Scorer.
func (h *Heuristic) Score(_ context.Context, text string) (*Result, error) {
	return h.score(text), nil
}

func (h *Heuristic) score(text string) *Result {
	tokens := h.tokenizer.Tokenize(textnorm.Normalize(text))
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = t.Key
	}

	var (
		sum     PAD
		wsum    float64
		matched int
		tagSet  = map[string]struct{}{}
	)
	for i := 0; i < len(keys); {
		e, n := h.longestEntry(keys, i)
		if e == nil {
			i++
			continue
		}
		scale, negated := h.modifiers(keys, i)
		v := e.pad.Scale(scale)
		if negated {
			v.Pleasure = -v.Pleasure
		} else {
			for _, tag := range e.tags {
				tagSet[tag] = struct{}{}
			}
		}
		sum = sum.Add(v.Clamp().Scale(e.weight))
		wsum += e.weight
		matched += n
		i += n
	}

	res := &Result{
		Tags:     sortedTags(tagSet),
		Strategy: StrategyHeuristic,
	}
	if wsum > 0 {
		res.PAD = sum.Scale(1 / wsum).Clamp()
	}
	if len(tokens) > 0 {
		res.Confidence = float64(matched) / float64(len(tokens))
	}
	res.Label = h.thresholds.Label(res.Pleasure)
	return res
}

func (h *Heuristic) longestEntry(keys []string, i int) (*lexEntry, int) {
	for n := min(h.maxEntry, len(keys)-i); n >= 1; n-- {
		if e, ok := h.entries[strings.Join(keys[i:i+n], keySep)]; ok {
			return e, n
		}
	}
	return nil, 0
}

// modifiers inspects the tokens ending at i for an intensifier and/or a
// negator, in either order ("很不开心", "not very happy").
func (h *Heuristic) modifiers(keys []string, i int) (scale float64, negated bool) {
	scale = 1
	j := i
	for pass := 0; pass < 2; pass++ {
		if f, n := h.intensifierBefore(keys, j); n > 0 {
			scale *= f
			j -= n
			continue
		}
		if n := h.negatorBefore(keys, j); n > 0 && !negated {
			negated = true
			j -= n
			continue
		}
		break
	}
	return scale, negated
}

func (h *Heuristic) intensifierBefore(keys []string, end int) (float64, int) {
	for n := min(h.maxModifier, end); n >= 1; n-- {
		if f, ok := h.intensifiers[strings.Join(keys[end-n:end], keySep)]; ok {
			return f, n
		}
	}
	return 0, 0
}

func (h *Heuristic) negatorBefore(keys []string, end int) int {
	for n := min(h.maxModifier, end); n >= 1; n-- {
		if _, ok := h.negators[strings.Join(keys[end-n:end], keySep)]; ok {
			return n
		}
	}
	return 0
}

func sortedTags(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
