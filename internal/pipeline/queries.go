package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/events"
	"github.com/nidhogg/ris/internal/graph"
	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
	"github.com/nidhogg/ris/internal/store"
	"github.com/nidhogg/ris/internal/trend"
)

// GetTrend reports on the day, week or month containing now.
func (s *Service) GetTrend(ctx context.Context, scope, window string) (*trend.Report, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	w, err := trend.ParseWindow(window)
	if err != nil {
		return nil, inputError("%v", err)
	}
	r, err := s.trends.Aggregate(ctx, scope, w)
	if err != nil {
		return nil, storageError("aggregate trend", err)
	}
	return r, nil
}

// GetTrendRange reports on an explicit [start, end).
func (s *Service) GetTrendRange(ctx context.Context, scope string, start, end time.Time) (*trend.Report, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, inputError("end must be after start")
	}
	r, err := s.trends.Range(ctx, scope, start, end)
	if err != nil {
		return nil, storageError("aggregate trend", err)
	}
	return r, nil
}

// PublishTrend builds the report for [start, end) and publishes it as a
// trend.report event.
func (s *Service) PublishTrend(ctx context.Context, scope string, start, end time.Time) (*trend.Report, error) {
	r, err := s.GetTrendRange(ctx, scope, start, end)
	if err != nil {
		return nil, err
	}
	e, err := events.New(events.TrendReport, scope, r)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		return nil, fmt.Errorf("publish trend report: %w", err)
	}
	return r, nil
}

// Scopes lists every user scope with stored data.
func (s *Service) Scopes(ctx context.Context) ([]string, error) {
	scopes, err := s.backend.Scopes(ctx)
	if err != nil {
		return nil, storageError("list scopes", err)
	}
	return scopes, nil
}

// UpdateMemoryAnnotation edits a memory's label or tags.
func (s *Service) UpdateMemoryAnnotation(ctx context.Context, scope, id string, p memory.Patch) (*memory.Memory, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, inputError("%v", err)
	}
	m, err := s.backend.UpdateAnnotation(ctx, scope, id, p)
	if err != nil {
		return nil, storageError("update annotation", err)
	}
	s.logger.Debug("memory annotation updated", zap.String("scope", scope), zap.String("memory_id", id))
	return m, nil
}

func (s *Service) GetPersona(ctx context.Context, scope, id string) (*persona.Persona, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	p, err := s.registry.Get(ctx, s.backend, scope, id)
	if err != nil {
		return nil, storageError("get persona", err)
	}
	return p, nil
}

func (s *Service) ListPersonas(ctx context.Context, scope string) ([]*persona.Persona, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	ps, err := s.registry.List(ctx, s.backend, scope)
	if err != nil {
		return nil, storageError("list personas", err)
	}
	return ps, nil
}

func (s *Service) GetMemory(ctx context.Context, scope, id string) (*memory.Memory, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m, err := s.backend.GetMemory(ctx, scope, id)
	if err != nil {
		return nil, storageError("get memory", err)
	}
	return m, nil
}

// ListMemories returns the memories matching q, oldest first.
func (s *Service) ListMemories(ctx context.Context, q memory.Query) ([]*memory.Memory, error) {
	if err := requireScope(q.UserScope); err != nil {
		return nil, err
	}
	if q.Limit < 0 {
		return nil, inputError("negative limit")
	}
	if q.Label != "" && !q.Label.Valid() {
		return nil, inputError("invalid label %q", q.Label)
	}
	ms, err := s.backend.QueryMemories(ctx, q)
	if err != nil {
		return nil, storageError("query memories", err)
	}
	return ms, nil
}

// SearchHit is a memory ranked by semantic similarity to a query.
type SearchHit struct {
	Memory *memory.Memory `json:"memory"`
	Score  float32        `json:"score"`
}

// SearchMemories finds the k memories whose content is closest to query.
// It needs an index; without one it returns ErrUnavailable.
func (s *Service) SearchMemories(ctx context.Context, scope, query string, k int) ([]SearchHit, error) {
	if s.index == nil {
		return nil, ErrUnavailable
	}
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, inputError("query is empty")
	}
	if k <= 0 {
		k = defaultSearchK
	}
	hits, err := s.index.Search(ctx, scope, query, k)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		m, err := s.backend.GetMemory(ctx, scope, h.MemoryID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storageError("get memory", err)
		}
		out = append(out, SearchHit{Memory: m, Score: h.Score})
	}
	return out, nil
}

// Insights summarizes everything recorded about one persona.
type Insights struct {
	Persona          *persona.Persona      `json:"persona"`
	MemoryCount      int                   `json:"memory_count"`
	LabelBreakdown   map[emotion.Label]int `json:"label_breakdown"`
	AveragePAD       emotion.PAD           `json:"average_pad"`
	FirstInteraction *time.Time            `json:"first_interaction,omitempty"`
	LastInteraction  *time.Time            `json:"last_interaction,omitempty"`
	RecentMemories   []*memory.Memory      `json:"recent_memories"`
	CoMentions       []graph.CoMention     `json:"co_mentions"`
}

// PersonaInsights aggregates the memories that mention a persona. Co-mentions
// come from the relation graph when one is attached.
func (s *Service) PersonaInsights(ctx context.Context, scope, id string) (*Insights, error) {
	p, err := s.GetPersona(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	ms, err := s.backend.QueryMemories(ctx, memory.Query{UserScope: scope, PersonaID: id})
	if err != nil {
		return nil, storageError("query memories", err)
	}

	in := &Insights{
		Persona:        p,
		MemoryCount:    len(ms),
		LabelBreakdown: make(map[emotion.Label]int, len(emotion.Labels)),
		RecentMemories: []*memory.Memory{},
		CoMentions:     []graph.CoMention{},
	}
	for _, l := range emotion.Labels {
		in.LabelBreakdown[l] = 0
	}
	var sum emotion.PAD
	for _, m := range ms {
		in.LabelBreakdown[m.Emotion.Label]++
		sum = sum.Add(m.Emotion.PAD)
	}
	if n := len(ms); n > 0 {
		in.AveragePAD = sum.Scale(1 / float64(n))
		first, last := ms[0].Timestamp, ms[n-1].Timestamp
		in.FirstInteraction, in.LastInteraction = &first, &last
		for i := n - 1; i >= 0 && len(in.RecentMemories) < recentMemories; i-- {
			in.RecentMemories = append(in.RecentMemories, ms[i])
		}
	}

	if s.graph != nil {
		cm, err := s.graph.CoMentions(ctx, scope, id, coMentionLimit)
		if err != nil {
			s.logger.Warn("co-mention query failed", zap.String("persona_id", id), zap.Error(err))
		} else if cm != nil {
			in.CoMentions = cm
		}
	}
	return in, nil
}

// Statistics counts what is stored for one scope.
type Statistics struct {
	UserScope    string              `json:"user_scope"`
	MemoryCount  int                 `json:"memory_count"`
	PersonaCount int                 `json:"persona_count"`
	Distribution map[memory.Type]int `json:"memory_distribution"`
	// RecentMemories counts memories from the last seven days.
	RecentMemories int       `json:"recent_memories"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Statistics reads one snapshot of the scope and counts its memories by
// type and age.
func (s *Service) Statistics(ctx context.Context, scope string) (*Statistics, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	snap, err := s.backend.Snapshot(ctx, scope, time.Time{}, time.Time{})
	if err != nil {
		return nil, storageError("snapshot", err)
	}
	now := s.now()
	st := &Statistics{
		UserScope:    scope,
		MemoryCount:  len(snap.Memories),
		PersonaCount: len(snap.Personas),
		Distribution: map[memory.Type]int{memory.TypeTopic: 0, memory.TypePhoto: 0, memory.TypeVoice: 0},
		GeneratedAt:  now.UTC(),
	}
	since := now.Add(-statisticsRecent)
	for _, m := range snap.Memories {
		st.Distribution[m.Type]++
		if m.Timestamp.After(since) {
			st.RecentMemories++
		}
	}
	return st, nil
}

func requireScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return inputError("user scope is required")
	}
	return nil
}
