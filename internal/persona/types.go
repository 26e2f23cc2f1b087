// Package persona extracts people mentioned in interaction text and keeps
// a per-user directory of them with name deduplication.
package persona

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/textnorm"
)

// RelationshipType categorizes how a persona relates to the user.
type RelationshipType string

const (
	RelationFamily       RelationshipType = "family"
	RelationFriend       RelationshipType = "friend"
	RelationColleague    RelationshipType = "colleague"
	RelationAcquaintance RelationshipType = "acquaintance"
	RelationUnknown      RelationshipType = "unknown"
)

// Valid reports whether r is a known relationship type.
func (r RelationshipType) Valid() bool {
	switch r {
	case RelationFamily, RelationFriend, RelationColleague, RelationAcquaintance, RelationUnknown:
		return true
	}
	return false
}

// Context keys written when a persona is created.
const (
	CtxSource         = "source"
	CtxFirstInputType = "first_input_type"
	CtxFirstMemoryID  = "first_memory_id"
	CtxStyleSource    = "style_source"
)

// Persona is a person the user has mentioned.
type Persona struct {
	ID                  string            `json:"id"`
	UserScope           string            `json:"user_scope"`
	CanonicalName       string            `json:"canonical_name"`
	Aliases             []string          `json:"aliases"`
	RelationshipType    RelationshipType  `json:"relationship_type"`
	PersonalityTraits   []string          `json:"personality_traits"`
	CommunicationStyle  string            `json:"communication_style"`
	EmotionalTendencies emotion.PAD       `json:"emotional_tendencies"`
	InteractionCount    int               `json:"interaction_count"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	Context             map[string]string `json:"context"`
}

// NameKey is the dedup key of the canonical name.
func (p *Persona) NameKey() string {
	return textnorm.Fold(p.CanonicalName)
}

// HasKey reports whether key equals the folded canonical name or any
// folded alias.
func (p *Persona) HasKey(key string) bool {
	if p.NameKey() == key {
		return true
	}
	for _, a := range p.Aliases {
		if textnorm.Fold(a) == key {
			return true
		}
	}
	return false
}

// Names returns the canonical name followed by every alias.
func (p *Persona) Names() []string {
	out := make([]string, 0, len(p.Aliases)+1)
	out = append(out, p.CanonicalName)
	return append(out, p.Aliases...)
}

// AddAlias records a surface form not yet spelled exactly this way. It
// reports whether the alias list changed.
func (p *Persona) AddAlias(surface string) bool {
	if surface == "" || surface == p.CanonicalName || slices.Contains(p.Aliases, surface) {
		return false
	}
	p.Aliases = append(p.Aliases, surface)
	return true
}

// Record applies one referencing memory: bumps the interaction count and
// moves the emotional tendencies toward the memory's PAD by alpha. The
// first interaction sets the tendencies outright. An unknown relationship
// is upgraded when the mention carries a concrete hint.
func (p *Persona) Record(pad emotion.PAD, hint RelationshipType, alpha float64, at time.Time) {
	if p.InteractionCount == 0 {
		p.EmotionalTendencies = pad.Clamp()
	} else {
		p.EmotionalTendencies = p.EmotionalTendencies.Blend(pad, alpha)
	}
	p.InteractionCount++
	p.upgradeRelation(hint)
	p.UpdatedAt = at
}

func (p *Persona) upgradeRelation(hint RelationshipType) {
	if p.RelationshipType == RelationUnknown && hint.Valid() && hint != RelationUnknown {
		p.RelationshipType = hint
	}
}

// Clone returns a deep copy.
func (p *Persona) Clone() *Persona {
	c := *p
	c.Aliases = slices.Clone(p.Aliases)
	c.PersonalityTraits = slices.Clone(p.PersonalityTraits)
	if p.Context != nil {
		c.Context = make(map[string]string, len(p.Context))
		for k, v := range p.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Span is a half-open token range [Start, End).
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Candidate is one person mention found by the extractor.
type Candidate struct {
	Span             Span             `json:"span"`
	SurfaceName      string           `json:"surface_name"`
	RelationshipHint RelationshipType `json:"relationship_hint"`
}

// ConflictError is returned by a Store when a conditional create loses to
// an existing persona with the same name key in the same scope.
type ConflictError struct {
	Existing *Persona
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("persona %q already exists in scope %s", e.Existing.CanonicalName, e.Existing.UserScope)
}

// Reader lists and fetches personas.
type Reader interface {
	ListPersonas(ctx context.Context, scope string) ([]*Persona, error)
	GetPersona(ctx context.Context, scope, id string) (*Persona, error)
}

// Store is the transactional persona surface the registry writes through.
// CreatePersona must be a create-if-absent keyed on (UserScope, NameKey)
// and return *ConflictError when the key is taken. Inside a transaction
// GetPersona locks the row until commit.
type Store interface {
	Reader
	CreatePersona(ctx context.Context, p *Persona) error
	SavePersona(ctx context.Context, p *Persona) error
}
