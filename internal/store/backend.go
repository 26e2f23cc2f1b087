package store

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
)

var (
	// ErrNotFound is returned when a persona or memory does not exist in
	// the requested scope.
	ErrNotFound = errors.New("not found")
	// ErrSerialization marks a transaction the backend aborted because of
	// a concurrent writer. The whole transaction may be retried.
	ErrSerialization = errors.New("serialization failure")
)

// Tx is the read-write view of a backend inside one transaction.
type Tx interface {
	persona.Store
	// AppendMemory stores m, assigning its ID.
	AppendMemory(ctx context.Context, m *memory.Memory) (string, error)
}

// Snapshot is a consistent read of one scope: memories with timestamps in
// [Start, End) ordered by (timestamp, id), and every persona of the scope
// in creation order.
type Snapshot struct {
	Memories []*memory.Memory
	Personas []*persona.Persona
}

// Backend persists personas and memories.
type Backend interface {
	persona.Reader

	// WithTx runs fn in a transaction. Nothing fn wrote is visible to other
	// callers unless fn returns nil and the commit succeeds; a cancelled
	// ctx aborts the commit.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Snapshot(ctx context.Context, scope string, start, end time.Time) (*Snapshot, error)

	GetMemory(ctx context.Context, scope, id string) (*memory.Memory, error)
	QueryMemories(ctx context.Context, q memory.Query) ([]*memory.Memory, error)
	UpdateAnnotation(ctx context.Context, scope, id string, p memory.Patch) (*memory.Memory, error)

	// Scopes lists every user scope that has a persona or memory.
	Scopes(ctx context.Context) ([]string, error)

	Close()
}

func newMemoryID() string {
	return ulid.Make().String()
}
