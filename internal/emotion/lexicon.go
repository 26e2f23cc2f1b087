package emotion

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/nidhogg/ris/internal/textnorm"
	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexiconYAML []byte

// LexiconEntry is one term in a lexicon file.
type LexiconEntry struct {
	Term   string    `yaml:"term"`
	PAD    []float64 `yaml:"pad"` // pleasure, arousal, dominance
	Weight float64   `yaml:"weight,omitempty"`
	Tags   []string  `yaml:"tags,omitempty"`
}

type lexiconFile struct {
	Entries      []LexiconEntry     `yaml:"entries"`
	Negators     []string           `yaml:"negators"`
	Intensifiers map[string]float64 `yaml:"intensifiers"`
}

type lexEntry struct {
	term   string
	pad    PAD
	weight float64
	tags   []string
}

// Lexicon maps folded terms to PAD vectors, plus the modifier words that
// flip or scale a following match.
type Lexicon struct {
	entries      map[string]*lexEntry
	negators     map[string]struct{}
	intensifiers map[string]float64
}

// ParseLexicon decodes a YAML lexicon.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	lx := &Lexicon{
		entries:      make(map[string]*lexEntry, len(f.Entries)),
		negators:     make(map[string]struct{}, len(f.Negators)),
		intensifiers: make(map[string]float64, len(f.Intensifiers)),
	}
	for _, e := range f.Entries {
		if len(e.PAD) != 3 {
			return nil, fmt.Errorf("lexicon term %q: pad needs 3 values, got %d", e.Term, len(e.PAD))
		}
		pad := PAD{Pleasure: e.PAD[0], Arousal: e.PAD[1], Dominance: e.PAD[2]}
		if !pad.Valid() {
			return nil, fmt.Errorf("lexicon term %q: pad out of range", e.Term)
		}
		w := e.Weight
		if w == 0 {
			w = 1
		}
		if w < 0 {
			return nil, fmt.Errorf("lexicon term %q: negative weight", e.Term)
		}
		key := textnorm.Fold(e.Term)
		if key == "" {
			continue
		}
		lx.entries[key] = &lexEntry{term: e.Term, pad: pad, weight: w, tags: e.Tags}
	}
	for _, n := range f.Negators {
		lx.negators[textnorm.Fold(n)] = struct{}{}
	}
	for k, v := range f.Intensifiers {
		lx.intensifiers[textnorm.Fold(k)] = v
	}
	return lx, nil
}

// LoadLexicon reads a YAML lexicon from disk.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon %s: %w", path, err)
	}
	return ParseLexicon(data)
}

// DefaultLexicon returns the embedded lexicon.
func DefaultLexicon() *Lexicon {
	lx, err := ParseLexicon(defaultLexiconYAML)
	if err != nil {
		panic(err)
	}
	return lx
}

// Terms returns every entry, negator and intensifier key, sorted. Callers
// feed these to the tokenizer so phrases survive segmentation.
func (l *Lexicon) Terms() []string {
	out := make([]string, 0, len(l.entries)+len(l.negators)+len(l.intensifiers))
	for k := range l.entries {
		out = append(out, k)
	}
	for k := range l.negators {
		out = append(out, k)
	}
	for k := range l.intensifiers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of scoring entries.
func (l *Lexicon) Len() int { return len(l.entries) }
