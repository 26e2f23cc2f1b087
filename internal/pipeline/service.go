// Package pipeline turns free-text interactions into stored memories and
// persona updates, and answers the read-side queries built on them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/events"
	"github.com/nidhogg/ris/internal/graph"
	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
	"github.com/nidhogg/ris/internal/store"
	"github.com/nidhogg/ris/internal/textnorm"
	"github.com/nidhogg/ris/internal/trend"
	"github.com/nidhogg/ris/internal/vectorstore"
)

// ContextStyle is the request context key whose value becomes the
// communication style of personas created by that request.
const ContextStyle = "style"

// Defaults for Options.
const (
	DefaultMaxTextRunes    = 4000
	DefaultConflictRetries = 3
	DefaultSinkTimeout     = 5 * time.Second
	defaultSearchK         = 10
	recentMemories         = 5
	coMentionLimit         = 5
	statisticsRecent       = 7 * 24 * time.Hour
)

// Graph receives committed memories and answers co-mention queries.
type Graph interface {
	RecordMemory(ctx context.Context, m *memory.Memory, personas []*persona.Persona) error
	CoMentions(ctx context.Context, scope, personaID string, limit int) ([]graph.CoMention, error)
}

// Index embeds committed memories for semantic search.
type Index interface {
	IndexMemory(ctx context.Context, m *memory.Memory) error
	Search(ctx context.Context, scope, query string, k int) ([]vectorstore.Hit, error)
}

// Options tune the service. Zero fields take the defaults.
type Options struct {
	Thresholds      emotion.Thresholds
	Weights         memory.Weights
	MaxTextRunes    int
	ConflictRetries int
	SinkTimeout     time.Duration
	Location        *time.Location
}

func (o *Options) setDefaults() {
	o.Thresholds = o.Thresholds.WithDefaults()
	if o.MaxTextRunes <= 0 {
		o.MaxTextRunes = DefaultMaxTextRunes
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = DefaultConflictRetries
	}
	if o.SinkTimeout <= 0 {
		o.SinkTimeout = DefaultSinkTimeout
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
}

// Request is one interaction to process.
type Request struct {
	UserScope string            `json:"user_scope"`
	Text      string            `json:"text"`
	InputType string            `json:"input_type"`
	Context   map[string]string `json:"context,omitempty"`
}

// PersonaTouched summarizes a persona referenced by an interaction.
type PersonaTouched struct {
	PersonaID        string                   `json:"persona_id"`
	CanonicalName    string                   `json:"canonical_name"`
	RelationshipType persona.RelationshipType `json:"relationship_type"`
	Created          bool                     `json:"created"`
}

// Result is the outcome of ProcessInteraction.
type Result struct {
	EmotionAnalysis *emotion.Result  `json:"emotion_analysis"`
	PersonasTouched []PersonaTouched `json:"personas_touched"`
	MemoryCreated   *memory.Memory   `json:"memory_created"`
}

// Service coordinates scoring, extraction, persona resolution and storage.
// It is safe for concurrent use.
type Service struct {
	backend    store.Backend
	scorer     emotion.Scorer
	extractor  *persona.Extractor
	registry   *persona.Registry
	importance *memory.ImportanceScorer
	trends     *trend.Aggregator
	bus        events.Bus
	graph      Graph
	index      Index
	opts       Options
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a service. Event, graph and index sinks are attached with
// the Set methods; without them the service only uses the backend.
func New(backend store.Backend, scorer emotion.Scorer, extractor *persona.Extractor, registry *persona.Registry, opts Options, logger *zap.Logger) *Service {
	opts.setDefaults()
	return &Service{
		backend:    backend,
		scorer:     scorer,
		extractor:  extractor,
		registry:   registry,
		importance: memory.NewImportanceScorer(opts.Weights),
		trends:     trend.NewAggregator(backend, opts.Location, logger),
		bus:        events.Nop{},
		opts:       opts,
		now:        time.Now,
		logger:     logger,
	}
}

// SetBus publishes memory, persona and trend events to bus.
func (s *Service) SetBus(bus events.Bus) {
	if bus == nil {
		bus = events.Nop{}
	}
	s.bus = bus
}

// SetGraph projects committed memories into g.
func (s *Service) SetGraph(g Graph) { s.graph = g }

// SetIndex indexes committed memories in ix and enables SearchMemories.
func (s *Service) SetIndex(ix Index) { s.index = ix }

// ProcessInteraction scores and stores one interaction. The emotion
// oracle and extractor run before the transaction opens; the memory and
// every persona update commit together or not at all.
func (s *Service) ProcessInteraction(ctx context.Context, req Request) (*Result, error) {
	text, typ, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	var (
		analysis *emotion.Result
		cands    []persona.Candidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := s.scorer.Score(gctx, text)
		if err != nil {
			return fmt.Errorf("score emotion: %w", err)
		}
		analysis = r
		return nil
	})
	g.Go(func() error {
		cands = s.extractor.Extract(text)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	analysis.PAD = analysis.PAD.Clamp()
	analysis.Label = s.opts.Thresholds.Label(analysis.Pleasure)
	if analysis.Tags == nil {
		analysis.Tags = []string{}
	}
	if cands == nil {
		cands = []persona.Candidate{}
	}

	var (
		mem      *memory.Memory
		touches  []persona.Touch
		personas []*persona.Persona
		now      = s.now().UTC().Truncate(time.Microsecond)
		meta     = persona.CreateMeta{InputType: string(typ), Style: req.Context[ContextStyle]}
	)
	for attempt := 1; ; attempt++ {
		err = s.backend.WithTx(ctx, func(tx store.Tx) error {
			ts, err := s.registry.Apply(ctx, tx, req.UserScope, cands, meta)
			if err != nil {
				return err
			}
			m := &memory.Memory{
				UserScope:  req.UserScope,
				PersonaIDs: personaIDs(ts),
				Content:    text,
				Emotion:    memory.Emotion{PAD: analysis.PAD, Label: analysis.Label, Tags: analysis.Tags},
				Type:       typ,
				Timestamp:  now,
				Entities:   cands,
				Context:    cloneContext(req.Context),
			}
			m.ImportanceScore = s.importance.Score(m, anyCreated(ts))
			id, err := tx.AppendMemory(ctx, m)
			if err != nil {
				return fmt.Errorf("append memory: %w", err)
			}
			m.ID = id
			ps, err := s.registry.Finalize(ctx, tx, req.UserScope, ts, analysis.PAD, id)
			if err != nil {
				return err
			}
			mem, touches, personas = m, ts, ps
			return nil
		})
		if err == nil || !errors.Is(err, store.ErrSerialization) {
			break
		}
		if attempt >= s.opts.ConflictRetries {
			s.logger.Warn("interaction aborted by concurrent writers",
				zap.String("scope", req.UserScope),
				zap.Int("attempts", attempt))
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrPersonaConflict, attempt, err)
		}
		s.logger.Debug("retrying interaction transaction",
			zap.String("scope", req.UserScope),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	if err != nil {
		return nil, storageError("process interaction", err)
	}

	s.logger.Info("interaction processed",
		zap.String("scope", req.UserScope),
		zap.String("memory_id", mem.ID),
		zap.String("label", string(analysis.Label)),
		zap.String("strategy", string(analysis.Strategy)),
		zap.Int("personas", len(personas)))

	s.afterCommit(ctx, mem, personas, touches)
	return &Result{
		EmotionAnalysis: analysis,
		PersonasTouched: summarize(touches, personas),
		MemoryCreated:   mem,
	}, nil
}

// AnalyzeEmotion scores text without storing anything.
func (s *Service) AnalyzeEmotion(ctx context.Context, text string) (*emotion.Result, error) {
	if textnorm.RuneLen(text) > s.opts.MaxTextRunes {
		return nil, inputError("text longer than %d characters", s.opts.MaxTextRunes)
	}
	text = textnorm.Normalize(text)
	if text == "" {
		return nil, inputError("text is empty")
	}
	res, err := s.scorer.Score(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("score emotion: %w", err)
	}
	res.PAD = res.PAD.Clamp()
	res.Label = s.opts.Thresholds.Label(res.Pleasure)
	if res.Tags == nil {
		res.Tags = []string{}
	}
	return res, nil
}

func (s *Service) validate(req Request) (string, memory.Type, error) {
	if strings.TrimSpace(req.UserScope) == "" {
		return "", "", inputError("user scope is required")
	}
	if textnorm.RuneLen(req.Text) > s.opts.MaxTextRunes {
		return "", "", inputError("text longer than %d characters", s.opts.MaxTextRunes)
	}
	text := textnorm.Normalize(req.Text)
	if text == "" {
		return "", "", inputError("text is empty")
	}
	typ, err := memory.ParseType(req.InputType)
	if err != nil {
		return "", "", inputError("%v", err)
	}
	return text, typ, nil
}

// afterCommit feeds the optional sinks. They are projections of committed
// state, so failures are logged and never undo the interaction.
func (s *Service) afterCommit(ctx context.Context, m *memory.Memory, personas []*persona.Persona, touches []persona.Touch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SinkTimeout)
	defer cancel()

	s.emit(ctx, events.MemoryCreated, m.UserScope, m)
	created := make(map[string]bool)
	for _, t := range touches {
		created[t.Persona.ID] = created[t.Persona.ID] || t.Created
	}
	for _, p := range personas {
		if created[p.ID] {
			s.emit(ctx, events.PersonaCreated, p.UserScope, p)
		}
	}

	if s.graph != nil {
		if err := s.graph.RecordMemory(ctx, m, personas); err != nil {
			s.logger.Warn("graph projection failed", zap.String("memory_id", m.ID), zap.Error(err))
		}
	}
	if s.index != nil {
		if err := s.index.IndexMemory(ctx, m); err != nil {
			s.logger.Warn("memory indexing failed", zap.String("memory_id", m.ID), zap.Error(err))
		}
	}
}

func (s *Service) emit(ctx context.Context, typ, scope string, payload any) {
	e, err := events.New(typ, scope, payload)
	if err == nil {
		err = s.bus.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Warn("event publish failed", zap.String("type", typ), zap.Error(err))
	}
}

// personaIDs lists each touched persona once, in first-touch order.
func personaIDs(ts []persona.Touch) []string {
	ids := []string{}
	seen := make(map[string]bool)
	for _, t := range ts {
		if !seen[t.Persona.ID] {
			seen[t.Persona.ID] = true
			ids = append(ids, t.Persona.ID)
		}
	}
	return ids
}

func anyCreated(ts []persona.Touch) bool {
	for _, t := range ts {
		if t.Created {
			return true
		}
	}
	return false
}

func summarize(ts []persona.Touch, personas []*persona.Persona) []PersonaTouched {
	created := make(map[string]bool)
	for _, t := range ts {
		created[t.Persona.ID] = created[t.Persona.ID] || t.Created
	}
	out := make([]PersonaTouched, 0, len(personas))
	for _, p := range personas {
		out = append(out, PersonaTouched{
			PersonaID:        p.ID,
			CanonicalName:    p.CanonicalName,
			RelationshipType: p.RelationshipType,
			Created:          created[p.ID],
		})
	}
	return out
}

func cloneContext(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
