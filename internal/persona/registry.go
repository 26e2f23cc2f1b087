package persona

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/textnorm"
)

// MatchKind says how a candidate was resolved.
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
	MatchNew   MatchKind = "new"
)

const (
	DefaultSimilarityThreshold = 0.85
	DefaultBlendAlpha          = 0.3
)

// Resolution is the outcome of matching one candidate against the
// personas already in a scope.
type Resolution struct {
	Candidate  Candidate `json:"candidate"`
	Kind       MatchKind `json:"kind"`
	PersonaID  string    `json:"persona_id,omitempty"`
	Similarity float64   `json:"similarity"`
}

// Touch is a persona referenced by the interaction being recorded.
type Touch struct {
	Persona   *Persona
	Candidate Candidate
	Created   bool
	Kind      MatchKind
}

// CreateMeta is copied onto personas created by an interaction.
type CreateMeta struct {
	InputType string
	Style     string
}

// Registry resolves extracted mentions to persona records, creating a
// persona the first time a name is seen in a scope.
type Registry struct {
	threshold float64
	alpha     float64
	now       func() time.Time
	logger    *zap.Logger
}

// NewRegistry creates a registry. Zero threshold or alpha take the defaults.
func NewRegistry(threshold, alpha float64, logger *zap.Logger) *Registry {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if alpha <= 0 {
		alpha = DefaultBlendAlpha
	}
	return &Registry{threshold: threshold, alpha: alpha, now: time.Now, logger: logger}
}

// Plan matches each candidate against personas without side effects.
// Candidates planned as new are visible to later candidates of the same
// batch, so two spellings of one new name in a single text unify.
func (r *Registry) Plan(personas []*Persona, cands []Candidate) []Resolution {
	pool := append([]*Persona(nil), personas...)
	out := make([]Resolution, 0, len(cands))
	for i, c := range cands {
		res := r.match(pool, c)
		if res.Kind == MatchNew {
			pending := &Persona{ID: fmt.Sprintf("pending:%d", i), CanonicalName: c.SurfaceName}
			pool = append(pool, pending)
		}
		out = append(out, res)
	}
	return out
}

// match resolves one candidate: exact folded name or alias first, then a
// known name followed by one stray character (李娜吵 for 李娜), then the
// most similar name at or above the threshold.
func (r *Registry) match(personas []*Persona, c Candidate) Resolution {
	key := textnorm.Fold(c.SurfaceName)
	res := Resolution{Candidate: c, Kind: MatchNew}
	if key == "" {
		return res
	}

	var exact *Persona
	for _, p := range personas {
		if p.NameKey() == key {
			exact = p
			break
		}
		if exact == nil && p.HasKey(key) {
			exact = p
		}
	}
	if exact != nil {
		res.Kind, res.PersonaID, res.Similarity = MatchExact, exact.ID, 1
		return res
	}
	if p, name := extendsName(personas, key); p != nil {
		res.Kind, res.PersonaID, res.Similarity = MatchFuzzy, p.ID, Similarity(key, name)
		return res
	}

	var (
		best    *Persona
		bestSim float64
	)
	for _, p := range personas {
		sim := 0.0
		for _, name := range p.Names() {
			sim = max(sim, Similarity(key, name))
		}
		if sim < r.threshold {
			continue
		}
		if best == nil || sim > bestSim ||
			(sim == bestSim && (p.UpdatedAt.After(best.UpdatedAt) ||
				(p.UpdatedAt.Equal(best.UpdatedAt) && p.ID < best.ID))) {
			best, bestSim = p, sim
		}
	}
	if best != nil {
		res.Kind, res.PersonaID, res.Similarity = MatchFuzzy, best.ID, bestSim
	}
	return res
}

// extendsName finds the first persona with a name of two or more runes
// that key extends by exactly one rune.
func extendsName(personas []*Persona, key string) (*Persona, string) {
	n := textnorm.RuneLen(key)
	if n < 3 {
		return nil, ""
	}
	for _, p := range personas {
		for _, name := range p.Names() {
			k := textnorm.Fold(name)
			if textnorm.RuneLen(k) == n-1 && strings.HasPrefix(key, k) {
				return p, k
			}
		}
	}
	return nil, ""
}

// Apply resolves cands inside tx, creating personas for unmatched names.
// A create that loses to a concurrent writer reuses the winner. The
// returned touches are in candidate order and may repeat a persona.
func (r *Registry) Apply(ctx context.Context, tx Store, scope string, cands []Candidate, meta CreateMeta) ([]Touch, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	personas, err := tx.ListPersonas(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	byID := make(map[string]*Persona, len(personas))
	for _, p := range personas {
		byID[p.ID] = p
	}

	touches := make([]Touch, 0, len(cands))
	for _, c := range cands {
		res := r.match(personas, c)
		if res.Kind != MatchNew {
			touches = append(touches, Touch{Persona: byID[res.PersonaID], Candidate: c, Kind: res.Kind})
			continue
		}

		p := r.newPersona(scope, c, meta)
		created := true
		if err := tx.CreatePersona(ctx, p); err != nil {
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				return nil, fmt.Errorf("create persona: %w", err)
			}
			r.logger.Debug("persona create lost to existing",
				zap.String("scope", scope),
				zap.String("name", c.SurfaceName),
				zap.String("persona_id", conflict.Existing.ID))
			p, created = conflict.Existing, false
			res.Kind = MatchExact
		}
		if _, ok := byID[p.ID]; !ok {
			personas = append(personas, p)
			byID[p.ID] = p
		}
		touches = append(touches, Touch{Persona: p, Candidate: c, Created: created, Kind: res.Kind})
	}
	return touches, nil
}

func (r *Registry) newPersona(scope string, c Candidate, meta CreateMeta) *Persona {
	now := r.now().UTC()
	rel := c.RelationshipHint
	if !rel.Valid() {
		rel = RelationUnknown
	}
	p := &Persona{
		ID:                uuid.NewString(),
		UserScope:         scope,
		CanonicalName:     c.SurfaceName,
		Aliases:           []string{},
		RelationshipType:  rel,
		PersonalityTraits: []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
		Context:           map[string]string{CtxSource: "extracted"},
	}
	if meta.InputType != "" {
		p.Context[CtxFirstInputType] = meta.InputType
	}
	if meta.Style != "" {
		p.CommunicationStyle = meta.Style
		p.Context[CtxStyleSource] = "caller"
	}
	return p
}

// ResolveOrCreate resolves a single mention inside tx.
func (r *Registry) ResolveOrCreate(ctx context.Context, tx Store, scope, surface string, hint RelationshipType) (string, bool, error) {
	touches, err := r.Apply(ctx, tx, scope, []Candidate{{SurfaceName: surface, RelationshipHint: hint}}, CreateMeta{})
	if err != nil {
		return "", false, err
	}
	if len(touches) == 0 {
		return "", false, fmt.Errorf("resolve persona: empty name")
	}
	return touches[0].Persona.ID, touches[0].Created, nil
}

// Finalize records one memory against every distinct persona in touches:
// the row is re-read under lock, the interaction counted, the tendencies
// blended toward pad and the surface form kept as an alias. It returns
// the saved personas in first-touch order.
func (r *Registry) Finalize(ctx context.Context, tx Store, scope string, touches []Touch, pad emotion.PAD, memoryID string) ([]*Persona, error) {
	var (
		out  []*Persona
		idx  = make(map[string]int)
		now  = r.now().UTC()
		made = make(map[string]bool)
	)
	for _, t := range touches {
		if t.Created {
			made[t.Persona.ID] = true
		}
	}
	for _, t := range touches {
		id := t.Persona.ID
		if i, ok := idx[id]; ok {
			out[i].AddAlias(t.Candidate.SurfaceName)
			out[i].upgradeRelation(t.Candidate.RelationshipHint)
			continue
		}
		p, err := tx.GetPersona(ctx, scope, id)
		if err != nil {
			return nil, fmt.Errorf("lock persona %s: %w", id, err)
		}
		p.Record(pad, t.Candidate.RelationshipHint, r.alpha, now)
		p.AddAlias(t.Candidate.SurfaceName)
		if made[id] && memoryID != "" {
			if p.Context == nil {
				p.Context = make(map[string]string)
			}
			p.Context[CtxFirstMemoryID] = memoryID
		}
		idx[id] = len(out)
		out = append(out, p)
	}
	for _, p := range out {
		if err := tx.SavePersona(ctx, p); err != nil {
			return nil, fmt.Errorf("save persona %s: %w", p.ID, err)
		}
	}
	return out, nil
}

// Get returns one persona.
func (r *Registry) Get(ctx context.Context, store Reader, scope, id string) (*Persona, error) {
	return store.GetPersona(ctx, scope, id)
}

// List returns the personas of a scope ordered by creation time, then id.
func (r *Registry) List(ctx context.Context, store Reader, scope string) ([]*Persona, error) {
	ps, err := store.ListPersonas(ctx, scope)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
	return ps, nil
}
