// Package memory defines the recorded-interaction record and the scoring
// applied to it before it is stored.
package memory

import (
	"fmt"
	"time"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/persona"
)

// Type is the medium the interaction arrived through.
type Type string

const (
	TypeTopic Type = "topic"
	TypePhoto Type = "photo"
	TypeVoice Type = "voice"
)

// ParseType maps a caller input type to a memory type. Empty means topic.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "", TypeTopic:
		return TypeTopic, nil
	case TypePhoto, TypeVoice:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown memory type %q", s)
}

// Emotion is the scored emotional content of a memory.
type Emotion struct {
	emotion.PAD
	Label emotion.Label `json:"label"`
	Tags  []string      `json:"tags"`
}

// Memory is one recorded interaction. ID and Timestamp never change after
// the memory is stored; only the emotion label and tags are editable.
type Memory struct {
	ID              string              `json:"id"`
	UserScope       string              `json:"user_scope"`
	PersonaIDs      []string            `json:"persona_ids"`
	Content         string              `json:"content"`
	Emotion         Emotion             `json:"emotion"`
	Type            Type                `json:"memory_type"`
	Timestamp       time.Time           `json:"timestamp"`
	Entities        []persona.Candidate `json:"entities"`
	ImportanceScore float64             `json:"importance_score"`
	Context         map[string]string   `json:"context"`
}

// References reports whether the memory mentions personaID.
func (m *Memory) References(personaID string) bool {
	for _, id := range m.PersonaIDs {
		if id == personaID {
			return true
		}
	}
	return false
}

// Patch edits a stored memory's annotation. Nil fields are left alone.
type Patch struct {
	Label *emotion.Label `json:"label,omitempty"`
	Tags  *[]string      `json:"tags,omitempty"`
}

// Validate rejects labels outside the known set.
func (p Patch) Validate() error {
	if p.Label != nil && !p.Label.Valid() {
		return fmt.Errorf("invalid label %q", *p.Label)
	}
	return nil
}

// Apply writes the patch onto m. Importance is not recomputed.
func (p Patch) Apply(m *Memory) {
	if p.Label != nil {
		m.Emotion.Label = *p.Label
	}
	if p.Tags != nil {
		m.Emotion.Tags = append([]string{}, (*p.Tags)...)
	}
}

// Query selects memories of one scope in [Start, End). Zero bounds are
// open. Results are ordered by timestamp then id.
type Query struct {
	UserScope string
	Start     time.Time
	End       time.Time
	PersonaID string
	Label     emotion.Label
	Limit     int
}

// Match reports whether m satisfies every filter of q except Limit.
func (q Query) Match(m *Memory) bool {
	if m.UserScope != q.UserScope {
		return false
	}
	if !q.Start.IsZero() && m.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !m.Timestamp.Before(q.End) {
		return false
	}
	if q.PersonaID != "" && !m.References(q.PersonaID) {
		return false
	}
	if q.Label != "" && m.Emotion.Label != q.Label {
		return false
	}
	return true
}

// Clone returns a deep copy.
func (m *Memory) Clone() *Memory {
	c := *m
	c.PersonaIDs = append([]string(nil), m.PersonaIDs...)
	c.Emotion.Tags = append([]string(nil), m.Emotion.Tags...)
	c.Entities = append([]persona.Candidate(nil), m.Entities...)
	if m.Context != nil {
		c.Context = make(map[string]string, len(m.Context))
		for k, v := range m.Context {
			c.Context[k] = v
		}
	}
	return &c
}
