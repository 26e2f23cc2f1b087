// Package store persists personas and memories. Postgres is the durable
// backend; Mem serves tests and single-process deployments.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/memory"
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

// Migrations returns the bundled schema migrations.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrationFS, "migrations")
	return sub
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the PostgreSQL backend.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Postgres backend with a pgx connection pool.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate executes every .up.sql file of fsys in name order.
func (s *Postgres) Migrate(ctx context.Context, fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() {
	s.db.Close()
}

// WithTx runs fn in a READ COMMITTED transaction. Persona creates rely on
// the (user_scope, name_key) unique constraint and persona updates lock
// their row, so the weaker isolation level is enough.
func (s *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

// Snapshot reads memories and personas in one REPEATABLE READ transaction.
func (s *Postgres) Snapshot(ctx context.Context, scope string, start, end time.Time) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	mems, err := queryMemories(ctx, tx, memory.Query{UserScope: scope, Start: start, End: end})
	if err != nil {
		return nil, err
	}
	ps, err := listPersonas(ctx, tx, scope)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("end snapshot: %w", classify(err))
	}
	return &Snapshot{Memories: mems, Personas: ps}, nil
}

// Scopes lists every user scope with stored data.
func (s *Postgres) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_scope FROM personas
		UNION
		SELECT user_scope FROM memories
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	scopes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return scopes, nil
}

// classify maps Postgres concurrency failures onto ErrSerialization.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		}
	}
	return err
}

// pgTx adapts a pgx transaction to Tx.
type pgTx struct {
	q querier
}
