package persona

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/emotion"
)

// mapStore is a single-writer Store for registry tests.
type mapStore struct {
	order []string
	rows  map[string]*Persona
	// raced, when set, is inserted just before the next create to
	// simulate a concurrent writer winning the race.
	raced *Persona
}

func newMapStore() *mapStore { return &mapStore{rows: make(map[string]*Persona)} }

func (s *mapStore) ListPersonas(_ context.Context, scope string) ([]*Persona, error) {
	var out []*Persona
	for _, id := range s.order {
		if p := s.rows[id]; p.UserScope == scope {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *mapStore) GetPersona(_ context.Context, scope, id string) (*Persona, error) {
	p, ok := s.rows[id]
	if !ok || p.UserScope != scope {
		return nil, fmt.Errorf("persona %s not found", id)
	}
	return p.Clone(), nil
}

func (s *mapStore) CreatePersona(ctx context.Context, p *Persona) error {
	if s.raced != nil {
		r := s.raced
		s.raced = nil
		s.insert(r)
	}
	for _, id := range s.order {
		if q := s.rows[id]; q.UserScope == p.UserScope && q.NameKey() == p.NameKey() {
			return &ConflictError{Existing: q.Clone()}
		}
	}
	s.insert(p.Clone())
	return nil
}

func (s *mapStore) insert(p *Persona) {
	s.rows[p.ID] = p
	s.order = append(s.order, p.ID)
}

func (s *mapStore) SavePersona(_ context.Context, p *Persona) error {
	if _, ok := s.rows[p.ID]; !ok {
		return fmt.Errorf("persona %s not found", p.ID)
	}
	s.rows[p.ID] = p.Clone()
	return nil
}

func record(t *testing.T, r *Registry, st *mapStore, scope string, pad emotion.PAD, cands ...Candidate) []Touch {
	t.Helper()
	ctx := context.Background()
	touches, err := r.Apply(ctx, st, scope, cands, CreateMeta{InputType: "topic"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := r.Finalize(ctx, st, scope, touches, pad, "m1"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return touches
}

func cand(name string, hint RelationshipType) Candidate {
	return Candidate{SurfaceName: name, RelationshipHint: hint}
}

func TestSameNameTwice(t *testing.T) {
	r := NewRegistry(0, 0, zap.NewNop())
	st := newMapStore()

	first := record(t, r, st, "u1", emotion.PAD{Pleasure: 0.6}, cand("李四", RelationUnknown))
	second := record(t, r, st, "u1", emotion.PAD{Pleasure: 0}, cand("李四", RelationFriend))

	if !first[0].Created || second[0].Created {
		t.Fatalf("created flags = %v, %v", first[0].Created, second[0].Created)
	}
	if len(st.rows) != 1 {
		t.Fatalf("personas = %d, want 1", len(st.rows))
	}
	p := st.rows[first[0].Persona.ID]
	if p.InteractionCount != 2 {
		t.Errorf("interaction count = %d, want 2", p.InteractionCount)
	}
	// 0.7*0.6 + 0.3*0
	if got := p.EmotionalTendencies.Pleasure; got < 0.4199 || got > 0.4201 {
		t.Errorf("pleasure = %v, want 0.42", got)
	}
	if p.RelationshipType != RelationFriend {
		t.Errorf("relationship = %s, want upgrade to friend", p.RelationshipType)
	}
	if p.Context[CtxFirstMemoryID] != "m1" || p.Context[CtxFirstInputType] != "topic" {
		t.Errorf("context = %v", p.Context)
	}
}

func TestFuzzyVariants(t *testing.T) {
	r := NewRegistry(0, 0, zap.NewNop())
	st := newMapStore()

	a := record(t, r, st, "u1", emotion.PAD{}, cand("Jonathan", RelationFriend))
	b := record(t, r, st, "u1", emotion.PAD{}, cand("Jonathon", RelationUnknown))
	if b[0].Kind != MatchFuzzy || b[0].Persona.ID != a[0].Persona.ID {
		t.Fatalf("Jonathon should fuzzy-match Jonathan, got %+v", b[0])
	}
	p := st.rows[a[0].Persona.ID]
	if len(p.Aliases) != 1 || p.Aliases[0] != "Jonathon" {
		t.Errorf("aliases = %v", p.Aliases)
	}

	// Alias match is exact the next time.
	c := record(t, r, st, "u1", emotion.PAD{}, cand("JONATHON", RelationUnknown))
	if c[0].Kind != MatchExact {
		t.Errorf("kind = %s, want exact via alias", c[0].Kind)
	}

	record(t, r, st, "u1", emotion.PAD{}, cand("张三", RelationUnknown))
	d := record(t, r, st, "u1", emotion.PAD{}, cand("张三李", RelationUnknown))
	if d[0].Created {
		t.Error("张三李 should unify with 张三")
	}
	if len(st.rows) != 2 {
		t.Errorf("personas = %d, want 2", len(st.rows))
	}
}

func TestExtendedNameMatches(t *testing.T) {
	r := NewRegistry(0, 0, zap.NewNop())
	st := newMapStore()

	a := record(t, r, st, "u1", emotion.PAD{}, cand("李娜", RelationColleague))
	b := record(t, r, st, "u1", emotion.PAD{}, cand("李娜吵", RelationUnknown))
	if b[0].Created || b[0].Kind != MatchFuzzy || b[0].Persona.ID != a[0].Persona.ID {
		t.Fatalf("李娜吵 should resolve to 李娜, got %+v", b[0])
	}

	// Two runes past the name, or a one-rune name, is a different person.
	c := record(t, r, st, "u1", emotion.PAD{}, cand("李娜娜娜", RelationUnknown))
	if !c[0].Created {
		t.Error("李娜娜娜 should be a new persona")
	}
	plan := r.Plan([]*Persona{{ID: "w", CanonicalName: "王"}}, []Candidate{cand("王五", RelationUnknown)})
	if plan[0].Kind != MatchNew {
		t.Errorf("王五 kind = %s, want new", plan[0].Kind)
	}
	if len(st.rows) != 2 {
		t.Errorf("personas = %d, want 2", len(st.rows))
	}
}

func TestScopesAreIsolated(t *testing.T) {
	r := NewRegistry(0, 0, zap.NewNop())
	st := newMapStore()
	a := record(t, r, st, "u1", emotion.PAD{}, cand("Alice", RelationUnknown))
	b := record(t, r, st, "u2", emotion.PAD{}, cand("Alice", RelationUnknown))
	if a[0].Persona.ID == b[0].Persona.ID || !b[0].Created {
		t.Fatal("same name in another scope must be a new persona")
	}
}

func TestConflictReusesWinner(t *testing.T) {
	r := NewRegistry(0, 0, zap.NewNop())
	st := newMapStore()
	winner := &Persona{ID: "winner", UserScope: "u1", CanonicalName: "李四", Aliases: []string{},
		RelationshipType: RelationUnknown, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.raced = winner

	id, created, err := r.ResolveOrCreate(context.Background(), st, "u1", "李四", RelationFriend)
	if err != nil {
		t.Fatal(err)
	}
	if id != "winner" || created {
		t.Fatalf("got (%s, %v), want (winner, false)", id, created)
	}
	if len(st.rows) != 1 {
		t.Errorf("personas = %d, want 1", len(st.rows))
	}
}

func TestFinalizeCountsOncePerMemory(t *testing.T) {
	r := NewRegistry(0, 0, zap.NewNop())
	st := newMapStore()
	touches := record(t, r, st, "u1", emotion.PAD{},
		cand("Jonathan", RelationUnknown), cand("Jonathon", RelationColleague))
	if len(touches) != 2 || touches[0].Persona.ID != touches[1].Persona.ID {
		t.Fatalf("touches = %+v", touches)
	}
	p := st.rows[touches[0].Persona.ID]
	if p.InteractionCount != 1 {
		t.Errorf("count = %d, want 1", p.InteractionCount)
	}
	if p.RelationshipType != RelationColleague {
		t.Errorf("relationship = %s", p.RelationshipType)
	}
}

func TestPlanIsPure(t *testing.T) {
	r := NewRegistry(0, 0, zap.NewNop())
	older := &Persona{ID: "b", CanonicalName: "Jonathan", UpdatedAt: time.Unix(100, 0)}
	newer := &Persona{ID: "a", CanonicalName: "Jonathen", UpdatedAt: time.Unix(200, 0)}
	plan := r.Plan([]*Persona{older, newer}, []Candidate{cand("Jonathon", RelationUnknown), cand("Maria", RelationUnknown), cand("MARIA", RelationUnknown)})

	if plan[0].Kind != MatchFuzzy || plan[0].PersonaID != "a" {
		t.Errorf("tie should go to the most recently updated persona, got %+v", plan[0])
	}
	if plan[1].Kind != MatchNew || plan[2].Kind != MatchExact {
		t.Errorf("plan kinds = %s, %s", plan[1].Kind, plan[2].Kind)
	}
	if older.InteractionCount != 0 || len(older.Aliases) != 0 {
		t.Error("Plan must not modify personas")
	}
}
