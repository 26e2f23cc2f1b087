package persona

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// Tables configures the extractor: relationship keywords, the token
// window they are searched in, and the rule tables for name recognition.
type Tables struct {
	Window           int                           `yaml:"window"`
	Relationships    map[RelationshipType][]string `yaml:"relationships"`
	Surnames         []string                      `yaml:"surnames"`
	CompoundSurnames []string                      `yaml:"compound_surnames"`
	FamiliarPrefixes []string                      `yaml:"familiar_prefixes"`
	GivenStop        []string                      `yaml:"given_stop"`
	SurnameGuard     []string                      `yaml:"surname_guard"`
	NameGuard        []string                      `yaml:"name_guard"`
	LatinStop        []string                      `yaml:"latin_stop"`
	Gazetteer        []string                      `yaml:"gazetteer"`
}

// ParseTables decodes YAML tables.
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse persona tables: %w", err)
	}
	for rel := range t.Relationships {
		if !rel.Valid() || rel == RelationUnknown {
			return nil, fmt.Errorf("parse persona tables: unknown relationship type %q", rel)
		}
	}
	if t.Window <= 0 {
		t.Window = 4
	}
	return &t, nil
}

// LoadTables reads YAML tables from disk.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona tables %s: %w", path, err)
	}
	return ParseTables(data)
}

// DefaultTables returns the embedded tables.
func DefaultTables() *Tables {
	t, err := ParseTables(defaultTablesYAML)
	if err != nil {
		panic(err)
	}
	return t
}

// Terms returns every multi-character word the tokenizer must keep whole
// for the extractor to see it: relationship keywords, compound surnames
// gazetteer names and the name guard.
func (t *Tables) Terms() []string {
	var out []string
	for _, words := range t.Relationships {
		out = append(out, words...)
	}
	out = append(out, t.CompoundSurnames...)
	out = append(out, t.Gazetteer...)
	out = append(out, t.NameGuard...)
	sort.Strings(out)
	return out
}
