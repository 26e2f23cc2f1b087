package textnorm

import (
	_ "embed"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

//go:embed vocab.txt
var vocabFile string

// DefaultVocabulary returns the built-in list of common multi-character
// words used to segment ideographic text.
func DefaultVocabulary() []string {
	var out []string
	for _, line := range strings.Split(vocabFile, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, strings.Fields(line)...)
	}
	return out
}

// Sep describes what separated a token from the one before it.
type Sep int

const (
	SepNone Sep = iota
	SepSpace
	SepPunct
)

// Token is one segment of normalized text.
type Token struct {
	Text  string `json:"text"`
	Key   string `json:"key"`
	Start int    `json:"start"` // byte offset in the normalized text
	End   int    `json:"end"`
	Han   bool   `json:"han"`
	Sep   Sep    `json:"sep"`
}

// Upper reports whether the token begins with an upper-case letter.
func (t Token) Upper() bool {
	for _, r := range t.Text {
		return unicode.IsUpper(r)
	}
	return false
}

// Tokenizer segments text with forward maximum matching against a
// dictionary for ideographic runs and plain word splitting elsewhere.
// A Tokenizer is read-only after construction and safe for concurrent use.
type Tokenizer struct {
	dict     map[string]struct{}
	maxRunes int
}

// NewTokenizer builds a tokenizer whose dictionary is the union of the
// given word lists. Single-rune and non-ideographic entries are ignored
// since they never change segmentation.
func NewTokenizer(lists ...[]string) *Tokenizer {
	t := &Tokenizer{dict: make(map[string]struct{})}
	for _, words := range lists {
		for _, w := range words {
			k := Fold(w)
			n := RuneLen(k)
			if n < 2 || !isIdeographicString(k) {
				continue
			}
			t.dict[k] = struct{}{}
			if n > t.maxRunes {
				t.maxRunes = n
			}
		}
	}
	return t
}

// Known reports whether word is in the dictionary.
func (t *Tokenizer) Known(word string) bool {
	_, ok := t.dict[Fold(word)]
	return ok
}

// Tokenize splits normalized text into tokens. Punctuation and whitespace
// are not tokens; they are recorded on the following token's Sep.
func (t *Tokenizer) Tokenize(text string) []Token {
	var (
		tokens []Token
		sep    = SepNone
		runes  = []rune(text)
		// byte offset of each rune index
		offs = make([]int, len(runes)+1)
	)
	pos := 0
	for i, r := range runes {
		offs[i] = pos
		pos += len(string(r))
	}
	offs[len(runes)] = pos

	folder := cases.Fold()
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case isIdeographic(r):
			j := i
			for j < len(runes) && isIdeographic(runes[j]) {
				j++
			}
			for _, seg := range t.segment(runes[i:j]) {
				s := string(seg.runes)
				tokens = append(tokens, Token{
					Text:  s,
					Key:   s,
					Start: offs[i+seg.from],
					End:   offs[i+seg.from+len(seg.runes)],
					Han:   true,
					Sep:   sep,
				})
				sep = SepNone
			}
			i = j
		case isWordRune(r):
			j := i
			for j < len(runes) && (isWordRune(runes[j]) || (isJoiner(runes[j]) && j+1 < len(runes) && isWordRune(runes[j+1]))) {
				j++
			}
			s := string(runes[i:j])
			tokens = append(tokens, Token{
				Text:  s,
				Key:   folder.String(s),
				Start: offs[i],
				End:   offs[j],
				Sep:   sep,
			})
			sep = SepNone
			i = j
		case unicode.IsSpace(r):
			if sep == SepNone {
				sep = SepSpace
			}
			i++
		default:
			sep = SepPunct
			i++
		}
	}
	return tokens
}

type segment struct {
	from  int
	runes []rune
}

func (t *Tokenizer) segment(run []rune) []segment {
	var out []segment
	for i := 0; i < len(run); {
		n := 1
		for l := min(t.maxRunes, len(run)-i); l >= 2; l-- {
			if _, ok := t.dict[string(run[i:i+l])]; ok {
				n = l
				break
			}
		}
		out = append(out, segment{from: i, runes: run[i : i+n]})
		i += n
	}
	return out
}

func isIdeographic(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func isIdeographicString(s string) bool {
	for _, r := range s {
		if !isIdeographic(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return !isIdeographic(r) && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

func isJoiner(r rune) bool {
	return r == '\'' || r == '-' || r == '_'
}
