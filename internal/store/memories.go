package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/ris/internal/memory"
)

const memoryColumns = `id, user_scope, persona_ids, content, pleasure, arousal, dominance,
	label, tags, memory_type, ts, entities, importance_score, context`

func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var (
		m        memory.Memory
		entities []byte
		mctx     []byte
	)
	err := row.Scan(
		&m.ID, &m.UserScope, &m.PersonaIDs, &m.Content,
		&m.Emotion.Pleasure, &m.Emotion.Arousal, &m.Emotion.Dominance,
		&m.Emotion.Label, &m.Emotion.Tags, &m.Type, &m.Timestamp,
		&entities, &m.ImportanceScore, &mctx,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(entities, &m.Entities); err != nil {
		return nil, fmt.Errorf("decode memory entities: %w", err)
	}
	if err := json.Unmarshal(mctx, &m.Context); err != nil {
		return nil, fmt.Errorf("decode memory context: %w", err)
	}
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}

func queryMemories(ctx context.Context, q querier, mq memory.Query) ([]*memory.Memory, error) {
	var (
		where = []string{"user_scope = $1"}
		args  = []any{mq.UserScope}
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !mq.Start.IsZero() {
		add("ts >= $%d", mq.Start)
	}
	if !mq.End.IsZero() {
		add("ts < $%d", mq.End)
	}
	if mq.PersonaID != "" {
		add("$%d = ANY(persona_ids)", mq.PersonaID)
	}
	if mq.Label != "" {
		add("label = $%d", string(mq.Label))
	}
	sql := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ts, id`
	if mq.Limit > 0 {
		args = append(args, mq.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", classify(err))
	}
	defer rows.Close()

	out := []*memory.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query memories: %w", classify(err))
	}
	return out, nil
}

// AppendMemory inserts m with a fresh ULID.
func (t *pgTx) AppendMemory(ctx context.Context, m *memory.Memory) (string, error) {
	if m.ID == "" {
		m.ID = newMemoryID()
	}
	entities, err := json.Marshal(m.Entities)
	if err != nil {
		return "", fmt.Errorf("encode memory entities: %w", err)
	}
	if m.Entities == nil {
		entities = []byte("[]")
	}
	mctx, err := json.Marshal(nonNilMap(m.Context))
	if err != nil {
		return "", fmt.Errorf("encode memory context: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO memories (id, user_scope, persona_ids, content, pleasure, arousal, dominance,
			label, tags, memory_type, ts, entities, importance_score, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.UserScope, nonNil(m.PersonaIDs), m.Content,
		m.Emotion.Pleasure, m.Emotion.Arousal, m.Emotion.Dominance,
		string(m.Emotion.Label), nonNil(m.Emotion.Tags), string(m.Type), m.Timestamp,
		string(entities), m.ImportanceScore, string(mctx),
	)
	if err != nil {
		return "", fmt.Errorf("append memory: %w", classify(err))
	}
	return m.ID, nil
}

// GetMemory retrieves one memory.
func (s *Postgres) GetMemory(ctx context.Context, scope, id string) (*memory.Memory, error) {
	m, err := scanMemory(s.db.QueryRow(ctx, `SELECT `+memoryColumns+`
		FROM memories WHERE user_scope = $1 AND id = $2`, scope, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// QueryMemories lists memories ordered by (timestamp, id).
func (s *Postgres) QueryMemories(ctx context.Context, q memory.Query) ([]*memory.Memory, error) {
	return queryMemories(ctx, s.db, q)
}

// UpdateAnnotation edits a memory's label and tags. Only those two
// columns are written.
func (s *Postgres) UpdateAnnotation(ctx context.Context, scope, id string, p memory.Patch) (*memory.Memory, error) {
	var out *memory.Memory
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		m, err := scanMemory(tx.QueryRow(ctx, `SELECT `+memoryColumns+`
			FROM memories WHERE user_scope = $1 AND id = $2 FOR UPDATE`, scope, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("memory %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get memory %s: %w", id, err)
		}
		p.Apply(m)
		if _, err := tx.Exec(ctx, `UPDATE memories SET label = $3, tags = $4 WHERE user_scope = $1 AND id = $2`,
			scope, id, string(m.Emotion.Label), nonNil(m.Emotion.Tags)); err != nil {
			return fmt.Errorf("update memory %s: %w", id, classify(err))
		}
		out = m
		return nil
	})
	return out, err
}
