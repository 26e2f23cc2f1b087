package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/store"
)

var (
	// ErrInput rejects a request before any side effect.
	ErrInput = errors.New("invalid input")
	// ErrOracleUnavailable is never returned by ProcessInteraction; the
	// heuristic result carries a warning instead.
	ErrOracleUnavailable = emotion.ErrOracleUnavailable
	// ErrPersonaConflict is returned when concurrent writers kept aborting
	// the transaction after every retry.
	ErrPersonaConflict = errors.New("persona conflict")
	// ErrPersistence wraps any other storage failure.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound is returned for unknown personas and memories.
	ErrNotFound = store.ErrNotFound
	// ErrUnavailable is returned by operations whose optional backend is
	// not configured.
	ErrUnavailable = errors.New("backend not configured")
)

func inputError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInput, fmt.Sprintf(format, args...))
}

// storageError classifies a backend error. Context errors and not-found
// pass through; everything else becomes ErrPersistence.
func storageError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
}
