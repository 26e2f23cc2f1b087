package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
)

// Mem is an in-process backend. Transactions are serialized by a single
// lock, which makes the create-if-absent check under the lock exact.
type Mem struct {
	mu       sync.RWMutex
	personas map[string]*persona.Persona
	porder   []string
	memories map[string]*memory.Memory
	morder   []string
	logger   *zap.Logger
}

// NewMem creates an empty in-memory backend.
func NewMem(logger *zap.Logger) *Mem {
	return &Mem{
		personas: make(map[string]*persona.Persona),
		memories: make(map[string]*memory.Memory),
		logger:   logger,
	}
}

// Close is a no-op.
func (m *Mem) Close() {}

// Counts reports how many personas and memories are stored.
func (m *Mem) Counts() (personas, memories int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.personas), len(m.memories)
}

func (m *Mem) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		m:        m,
		personas: make(map[string]*persona.Persona),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		m.logger.Debug("transaction abandoned", zap.Error(err))
		return err
	}

	for _, id := range tx.created {
		m.porder = append(m.porder, id)
	}
	for id, p := range tx.personas {
		m.personas[id] = p
	}
	for _, mem := range tx.memories {
		m.memories[mem.ID] = mem
		m.morder = append(m.morder, mem.ID)
	}
	return nil
}

func (m *Mem) ListPersonas(_ context.Context, scope string) ([]*persona.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPersonas(scope, nil), nil
}

func (m *Mem) listPersonas(scope string, tx *memTx) []*persona.Persona {
	out := []*persona.Persona{}
	emit := func(p *persona.Persona) {
		if p.UserScope == scope {
			out = append(out, p.Clone())
		}
	}
	for _, id := range m.porder {
		if tx != nil {
			if p, ok := tx.personas[id]; ok {
				emit(p)
				continue
			}
		}
		emit(m.personas[id])
	}
	if tx != nil {
		for _, id := range tx.created {
			emit(tx.personas[id])
		}
	}
	return out
}

func (m *Mem) GetPersona(_ context.Context, scope, id string) (*persona.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personas[id]
	if !ok || p.UserScope != scope {
		return nil, fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *Mem) Snapshot(_ context.Context, scope string, start, end time.Time) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{
		Memories: m.query(memory.Query{UserScope: scope, Start: start, End: end}),
		Personas: m.listPersonas(scope, nil),
	}, nil
}

func (m *Mem) GetMemory(_ context.Context, scope, id string) (*memory.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.memories[id]
	if !ok || mem.UserScope != scope {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return mem.Clone(), nil
}

func (m *Mem) QueryMemories(_ context.Context, q memory.Query) ([]*memory.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.query(q), nil
}

func (m *Mem) query(q memory.Query) []*memory.Memory {
	out := []*memory.Memory{}
	for _, id := range m.morder {
		if mem := m.memories[id]; q.Match(mem) {
			out = append(out, mem.Clone())
		}
	}
	sortMemories(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *Mem) UpdateAnnotation(_ context.Context, scope, id string, p memory.Patch) (*memory.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[id]
	if !ok || mem.UserScope != scope {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	next := mem.Clone()
	p.Apply(next)
	m.memories[id] = next
	return next.Clone(), nil
}

func (m *Mem) Scopes(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]bool)
	for _, p := range m.personas {
		set[p.UserScope] = true
	}
	for _, mem := range m.memories {
		set[mem.UserScope] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// memTx buffers writes until WithTx commits them.
type memTx struct {
	m        *Mem
	personas map[string]*persona.Persona
	created  []string
	memories []*memory.Memory
}

func (t *memTx) ListPersonas(_ context.Context, scope string) ([]*persona.Persona, error) {
	return t.m.listPersonas(scope, t), nil
}

func (t *memTx) GetPersona(_ context.Context, scope, id string) (*persona.Persona, error) {
	p, ok := t.personas[id]
	if !ok {
		p, ok = t.m.personas[id]
	}
	if !ok || p.UserScope != scope {
		return nil, fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (t *memTx) CreatePersona(_ context.Context, p *persona.Persona) error {
	key := p.NameKey()
	for _, q := range t.m.listPersonas(p.UserScope, t) {
		if q.NameKey() == key {
			return &persona.ConflictError{Existing: q}
		}
	}
	t.personas[p.ID] = p.Clone()
	t.created = append(t.created, p.ID)
	return nil
}

func (t *memTx) SavePersona(ctx context.Context, p *persona.Persona) error {
	if _, err := t.GetPersona(ctx, p.UserScope, p.ID); err != nil {
		return err
	}
	t.personas[p.ID] = p.Clone()
	return nil
}

func (t *memTx) AppendMemory(_ context.Context, mem *memory.Memory) (string, error) {
	c := mem.Clone()
	if c.ID == "" {
		c.ID = newMemoryID()
	}
	t.memories = append(t.memories, c)
	mem.ID = c.ID
	return c.ID, nil
}

func sortMemories(ms []*memory.Memory) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].Timestamp.Equal(ms[j].Timestamp) {
			return ms[i].Timestamp.Before(ms[j].Timestamp)
		}
		return ms[i].ID < ms[j].ID
	})
}
