// Package events publishes domain events to Redis Streams for downstream
// consumers (notification, analytics, the digest subscriber).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	MemoryCreated  = "memory.created"
	PersonaCreated = "persona.created"
	TrendReport    = "trend.report"
)

// Event is one published fact.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	UserScope string          `json:"user_scope"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event with a fresh id, encoding payload as JSON.
func New(typ, scope string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		UserScope: scope,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Bus publishes events.
type Bus interface {
	Publish(ctx context.Context, e *Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }
func (Nop) Close() error                          { return nil }
