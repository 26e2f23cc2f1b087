package persona

import (
	"sort"
	"strings"

	"github.com/nidhogg/ris/internal/textnorm"
)

// Recognizer proposes token spans that name a person.
type Recognizer interface {
	Recognize(tokens []textnorm.Token) []Span
}

// phrase is a keyword or name as a sequence of token keys.
type phrase []string

type phraseIndex map[string][]phrase

func newPhraseIndex(tk *textnorm.Tokenizer, words []string) phraseIndex {
	idx := make(phraseIndex)
	for _, w := range words {
		toks := tk.Tokenize(textnorm.Normalize(w))
		if len(toks) == 0 {
			continue
		}
		p := make(phrase, len(toks))
		for i, t := range toks {
			p[i] = t.Key
		}
		idx[p[0]] = append(idx[p[0]], p)
	}
	for k := range idx {
		sort.SliceStable(idx[k], func(i, j int) bool { return len(idx[k][i]) > len(idx[k][j]) })
	}
	return idx
}

// match returns the length of the longest phrase starting at tokens[i],
// or 0.
func (idx phraseIndex) match(tokens []textnorm.Token, i int) int {
	for _, p := range idx[tokens[i].Key] {
		if i+len(p) > len(tokens) {
			continue
		}
		ok := true
		for j := 1; j < len(p); j++ {
			if tokens[i+j].Key != p[j] || tokens[i+j].Sep == textnorm.SepPunct {
				ok = false
				break
			}
		}
		if ok {
			return len(p)
		}
	}
	return 0
}

// GazetteerRecognizer matches configured known names.
type GazetteerRecognizer struct {
	names phraseIndex
}

func NewGazetteerRecognizer(tk *textnorm.Tokenizer, names []string) *GazetteerRecognizer {
	return &GazetteerRecognizer{names: newPhraseIndex(tk, names)}
}

func (g *GazetteerRecognizer) Recognize(tokens []textnorm.Token) []Span {
	var out []Span
	for i := 0; i < len(tokens); i++ {
		if n := g.names.match(tokens, i); n > 0 {
			out = append(out, Span{Start: i, End: i + n})
			i += n - 1
		}
	}
	return out
}

// ChineseNameRecognizer finds surname + given-name patterns: a single or
// compound surname followed by one or two single-character tokens, or a
// familiar prefix (小, 老) directly before a surname. Spans spelling a
// word from the name guard (黄山, 林间) are dropped.
type ChineseNameRecognizer struct {
	surnames map[string]bool
	compound map[string]bool
	prefixes map[string]bool
	stop     map[string]bool
	guard    map[string]bool
	common   map[string]bool
	tk       *textnorm.Tokenizer
}

// NewChineseNameRecognizer builds the recognizer. tk is consulted for
// vocabulary words and may be nil.
func NewChineseNameRecognizer(t *Tables, tk *textnorm.Tokenizer) *ChineseNameRecognizer {
	return &ChineseNameRecognizer{
		surnames: keySet(t.Surnames),
		compound: keySet(t.CompoundSurnames),
		prefixes: keySet(t.FamiliarPrefixes),
		stop:     keySet(t.GivenStop),
		guard:    keySet(t.SurnameGuard),
		common:   keySet(t.NameGuard),
		tk:       tk,
	}
}

func (c *ChineseNameRecognizer) Recognize(tokens []textnorm.Token) []Span {
	var out []Span
	for _, s := range c.spans(tokens) {
		if !c.common[joinText(tokens, s)] {
			out = append(out, s)
		}
	}
	return out
}

func (c *ChineseNameRecognizer) spans(tokens []textnorm.Token) []Span {
	var out []Span
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !tok.Han {
			continue
		}
		if i > 0 && tok.Sep == textnorm.SepNone && c.guard[tokens[i-1].Key] {
			continue
		}
		switch {
		case c.prefixes[tok.Key] && i+1 < len(tokens) && c.attached(tokens[i+1]) && c.surnames[tokens[i+1].Key]:
			if c.given(tokens, i+2) == 0 {
				out = append(out, Span{Start: i, End: i + 2})
				i++
			}
		case c.compound[tok.Key]:
			n := c.given(tokens, i+1)
			out = append(out, Span{Start: i, End: i + 1 + n})
			i += n
		case c.surnames[tok.Key]:
			if n := c.given(tokens, i+1); n > 0 {
				out = append(out, Span{Start: i, End: i + 1 + n})
				i += n
			}
		}
	}
	return out
}

// given counts the given-name characters starting at tokens[i], at most
// two. The second is not taken when it starts a vocabulary word with the
// character after it (李娜吵架).
func (c *ChineseNameRecognizer) given(tokens []textnorm.Token, i int) int {
	n := 0
	for ; n < 2 && i+n < len(tokens); n++ {
		t := tokens[i+n]
		if !c.attached(t) || c.stop[t.Key] {
			break
		}
		if n == 1 && c.startsWord(tokens, i+n) {
			break
		}
	}
	return n
}

func (c *ChineseNameRecognizer) startsWord(tokens []textnorm.Token, i int) bool {
	if c.tk == nil || i+1 >= len(tokens) {
		return false
	}
	next := tokens[i+1]
	return next.Han && next.Sep == textnorm.SepNone && c.tk.Known(tokens[i].Text+next.Text)
}

// attached reports whether t is a lone Han character glued to the previous
// token.
func (c *ChineseNameRecognizer) attached(t textnorm.Token) bool {
	return t.Han && t.Sep == textnorm.SepNone && textnorm.RuneLen(t.Text) == 1
}

// LatinNameRecognizer finds runs of capitalised words, skipping stopwords
// such as sentence-initial pronouns and weekday names.
type LatinNameRecognizer struct {
	stop map[string]bool
}

func NewLatinNameRecognizer(stop []string) *LatinNameRecognizer {
	return &LatinNameRecognizer{stop: keySet(stop)}
}

func (l *LatinNameRecognizer) Recognize(tokens []textnorm.Token) []Span {
	var out []Span
	for i := 0; i < len(tokens); i++ {
		if !l.name(tokens[i]) {
			continue
		}
		j := i + 1
		for j < len(tokens) && tokens[j].Sep == textnorm.SepSpace && l.name(tokens[j]) {
			j++
		}
		out = append(out, Span{Start: i, End: j})
		i = j - 1
	}
	return out
}

func (l *LatinNameRecognizer) name(t textnorm.Token) bool {
	return !t.Han && t.Upper() && !l.stop[t.Key]
}

// Extractor finds person mentions and the relationship each one suggests.
// It holds no mutable state and is safe for concurrent use.
type Extractor struct {
	tk          *textnorm.Tokenizer
	recognizers []Recognizer
	keywords    phraseIndex
	relation    map[string]RelationshipType
	window      int
}

// NewExtractor builds an extractor from tables. When tk is nil a tokenizer
// is built from the default vocabulary and the table terms; a caller that
// supplies its own must include Tables.Terms in its dictionary.
func NewExtractor(t *Tables, tk *textnorm.Tokenizer) *Extractor {
	if tk == nil {
		tk = textnorm.NewTokenizer(textnorm.DefaultVocabulary(), t.Terms())
	}
	e := &Extractor{
		tk:       tk,
		relation: make(map[string]RelationshipType),
		window:   t.Window,
		recognizers: []Recognizer{
			NewGazetteerRecognizer(tk, t.Gazetteer),
			NewChineseNameRecognizer(t, tk),
			NewLatinNameRecognizer(t.LatinStop),
		},
	}
	// Types are visited in a fixed order so a word listed twice resolves
	// the same way on every run.
	var words []string
	for _, rel := range []RelationshipType{RelationFamily, RelationFriend, RelationColleague, RelationAcquaintance} {
		for _, w := range t.Relationships[rel] {
			k := keywordKey(tk, w)
			if _, dup := e.relation[k]; dup || k == "" {
				continue
			}
			e.relation[k] = rel
			words = append(words, w)
		}
	}
	e.keywords = newPhraseIndex(tk, words)
	return e
}

// Tokenizer returns the tokenizer the extractor segments with.
func (e *Extractor) Tokenizer() *textnorm.Tokenizer { return e.tk }

// Extract returns the persona candidates in text, in order of first
// appearance and unique by folded name.
func (e *Extractor) Extract(text string) []Candidate {
	text = textnorm.Normalize(text)
	tokens := e.tk.Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	var spans []Span
	for _, r := range e.recognizers {
		spans = append(spans, r.Recognize(tokens)...)
	}
	spans = resolveOverlaps(spans)
	kws := e.findKeywords(tokens)

	var (
		out  []Candidate
		seen = make(map[string]int)
	)
	for _, s := range spans {
		// A relationship word on its own (老板, Mom) is not a name.
		if _, isKeyword := e.relation[spanKey(tokens, s)]; isKeyword {
			continue
		}
		surface := text[tokens[s.Start].Start:tokens[s.End-1].End]
		hint := nearestRelation(s, kws, e.window)
		key := textnorm.Fold(surface)
		if i, ok := seen[key]; ok {
			if out[i].RelationshipHint == RelationUnknown {
				out[i].RelationshipHint = hint
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, Candidate{Span: s, SurfaceName: surface, RelationshipHint: hint})
	}
	return out
}

type keywordHit struct {
	span Span
	rel  RelationshipType
}

func (e *Extractor) findKeywords(tokens []textnorm.Token) []keywordHit {
	var hits []keywordHit
	for i := 0; i < len(tokens); i++ {
		n := e.keywords.match(tokens, i)
		if n == 0 {
			continue
		}
		sp := Span{Start: i, End: i + n}
		hits = append(hits, keywordHit{span: sp, rel: e.relation[spanKey(tokens, sp)]})
		i += n - 1
	}
	return hits
}

// nearestRelation picks the keyword closest to s within window tokens.
// Hits are in text order, so the strict comparison keeps the first
// occurrence on ties.
func nearestRelation(s Span, hits []keywordHit, window int) RelationshipType {
	best, bestDist := RelationUnknown, window+1
	for _, h := range hits {
		var d int
		switch {
		case h.span.End <= s.Start:
			d = s.Start - h.span.End + 1
		case h.span.Start >= s.End:
			d = h.span.Start - s.End + 1
		default:
			continue
		}
		if d < bestDist {
			best, bestDist = h.rel, d
		}
	}
	return best
}

// resolveOverlaps keeps the earliest span at each position, preferring the
// longest when two start together.
func resolveOverlaps(spans []Span) []Span {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	var out []Span
	end := -1
	for _, s := range spans {
		if s.Start < end || s.End <= s.Start {
			continue
		}
		out = append(out, s)
		end = s.End
	}
	return out
}

func keywordKey(tk *textnorm.Tokenizer, w string) string {
	toks := tk.Tokenize(textnorm.Normalize(w))
	return spanKey(toks, Span{Start: 0, End: len(toks)})
}

func joinText(tokens []textnorm.Token, s Span) string {
	var b strings.Builder
	for _, t := range tokens[s.Start:s.End] {
		b.WriteString(t.Key)
	}
	return textnorm.Fold(b.String())
}

func spanKey(tokens []textnorm.Token, s Span) string {
	keys := make([]string, 0, s.End-s.Start)
	for _, t := range tokens[s.Start:s.End] {
		keys = append(keys, t.Key)
	}
	return strings.Join(keys, "\x1f")
}

func keySet(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[textnorm.Fold(w)] = true
	}
	return m
}
