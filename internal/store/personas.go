package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/ris/internal/persona"
)

const personaColumns = `id, user_scope, canonical_name, aliases, relationship_type,
	personality_traits, communication_style, pleasure, arousal, dominance,
	interaction_count, context, created_at, updated_at`

func scanPersona(row pgx.Row) (*persona.Persona, error) {
	var (
		p   persona.Persona
		ctx []byte
	)
	err := row.Scan(
		&p.ID, &p.UserScope, &p.CanonicalName, &p.Aliases, &p.RelationshipType,
		&p.PersonalityTraits, &p.CommunicationStyle,
		&p.EmotionalTendencies.Pleasure, &p.EmotionalTendencies.Arousal, &p.EmotionalTendencies.Dominance,
		&p.InteractionCount, &ctx, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ctx, &p.Context); err != nil {
		return nil, fmt.Errorf("decode persona context: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}

func listPersonas(ctx context.Context, q querier, scope string) ([]*persona.Persona, error) {
	rows, err := q.Query(ctx, `SELECT `+personaColumns+`
		FROM personas WHERE user_scope = $1
		ORDER BY created_at, id`, scope)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", classify(err))
	}
	defer rows.Close()

	out := []*persona.Persona{}
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list personas: %w", classify(err))
	}
	return out, nil
}

func getPersona(ctx context.Context, q querier, scope, id string, lock bool) (*persona.Persona, error) {
	sql := `SELECT ` + personaColumns + ` FROM personas WHERE user_scope = $1 AND id = $2`
	if lock {
		sql += ` FOR UPDATE`
	}
	p, err := scanPersona(q.QueryRow(ctx, sql, scope, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get persona %s: %w", id, classify(err))
	}
	return p, nil
}

// ListPersonas returns a scope's personas in creation order.
func (s *Postgres) ListPersonas(ctx context.Context, scope string) ([]*persona.Persona, error) {
	return listPersonas(ctx, s.db, scope)
}

// GetPersona retrieves a single persona.
func (s *Postgres) GetPersona(ctx context.Context, scope, id string) (*persona.Persona, error) {
	return getPersona(ctx, s.db, scope, id, false)
}

func (t *pgTx) ListPersonas(ctx context.Context, scope string) ([]*persona.Persona, error) {
	return listPersonas(ctx, t.q, scope)
}

// GetPersona locks the row until the transaction ends.
func (t *pgTx) GetPersona(ctx context.Context, scope, id string) (*persona.Persona, error) {
	return getPersona(ctx, t.q, scope, id, true)
}

// CreatePersona inserts p unless a persona with the same name key exists
// in the scope, in which case the existing row is returned as a
// *persona.ConflictError.
func (t *pgTx) CreatePersona(ctx context.Context, p *persona.Persona) error {
	pctx, err := json.Marshal(nonNilMap(p.Context))
	if err != nil {
		return fmt.Errorf("encode persona context: %w", err)
	}
	var id string
	err = t.q.QueryRow(ctx, `
		INSERT INTO personas (id, user_scope, canonical_name, name_key, aliases, relationship_type,
			personality_traits, communication_style, pleasure, arousal, dominance,
			interaction_count, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (user_scope, name_key) DO NOTHING
		RETURNING id`,
		p.ID, p.UserScope, p.CanonicalName, p.NameKey(), nonNil(p.Aliases), string(p.RelationshipType),
		nonNil(p.PersonalityTraits), p.CommunicationStyle,
		p.EmotionalTendencies.Pleasure, p.EmotionalTendencies.Arousal, p.EmotionalTendencies.Dominance,
		p.InteractionCount, string(pctx), p.CreatedAt, p.UpdatedAt,
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("create persona: %w", classify(err))
	}

	existing, err := scanPersona(t.q.QueryRow(ctx, `SELECT `+personaColumns+`
		FROM personas WHERE user_scope = $1 AND name_key = $2`, p.UserScope, p.NameKey()))
	if err != nil {
		return fmt.Errorf("load conflicting persona: %w", classify(err))
	}
	return &persona.ConflictError{Existing: existing}
}

// SavePersona writes the mutable persona fields.
func (t *pgTx) SavePersona(ctx context.Context, p *persona.Persona) error {
	pctx, err := json.Marshal(nonNilMap(p.Context))
	if err != nil {
		return fmt.Errorf("encode persona context: %w", err)
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE personas SET
			aliases = $3,
			relationship_type = $4,
			personality_traits = $5,
			communication_style = $6,
			pleasure = $7, arousal = $8, dominance = $9,
			interaction_count = $10,
			context = $11,
			updated_at = $12
		WHERE user_scope = $1 AND id = $2`,
		p.UserScope, p.ID, nonNil(p.Aliases), string(p.RelationshipType),
		nonNil(p.PersonalityTraits), p.CommunicationStyle,
		p.EmotionalTendencies.Pleasure, p.EmotionalTendencies.Arousal, p.EmotionalTendencies.Dominance,
		p.InteractionCount, string(pctx), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save persona %s: %w", p.ID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save persona %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
