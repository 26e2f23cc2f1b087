// Package app assembles the service and its optional backends from
// configuration. Both binaries start from here.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/config"
	"github.com/nidhogg/ris/internal/digest"
	"github.com/nidhogg/ris/internal/embedding"
	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/events"
	"github.com/nidhogg/ris/internal/graph"
	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
	"github.com/nidhogg/ris/internal/pipeline"
	"github.com/nidhogg/ris/internal/provider"
	"github.com/nidhogg/ris/internal/store"
	"github.com/nidhogg/ris/internal/textnorm"
	"github.com/nidhogg/ris/internal/vectorstore"
)

// Backend states reported by the health endpoint.
const (
	StateConnected = "connected"
	StateDisabled  = "disabled"
	StateFailed    = "unavailable"
)

// App is a fully wired service.
type App struct {
	Service  *pipeline.Service
	Digest   *digest.Scheduler // nil unless digests are enabled
	Backends map[string]string
	Location *time.Location

	closers []func()
	logger  *zap.Logger
}

// Build connects every configured backend. Postgres is required when a
// DSN is set; Neo4j, Redis, Qdrant and the oracle degrade with a warning.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Backends: make(map[string]string), logger: logger}

	loc, err := time.LoadLocation(cfg.Server.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Server.Timezone, err)
	}
	a.Location = loc

	lexicon := emotion.DefaultLexicon()
	if cfg.Pipeline.LexiconPath != "" {
		if lexicon, err = emotion.LoadLexicon(cfg.Pipeline.LexiconPath); err != nil {
			return nil, err
		}
	}
	tables := persona.DefaultTables()
	if cfg.Pipeline.TablesPath != "" {
		if tables, err = persona.LoadTables(cfg.Pipeline.TablesPath); err != nil {
			return nil, err
		}
	}
	if cfg.Pipeline.RelationshipWindow > 0 {
		tables.Window = cfg.Pipeline.RelationshipWindow
	}
	tk := textnorm.NewTokenizer(textnorm.DefaultVocabulary(), lexicon.Terms(), tables.Terms())
	th := emotion.Thresholds{Positive: cfg.Pipeline.PositiveThreshold, Negative: cfg.Pipeline.NegativeThreshold}

	backend, err := a.openBackend(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	scorer := emotion.NewFallback(a.oracle(cfg, th),
		emotion.NewHeuristic(lexicon, tk, th),
		time.Duration(cfg.Pipeline.OracleTimeoutMS)*time.Millisecond, logger)

	w := cfg.Pipeline.Importance
	a.Service = pipeline.New(backend, scorer,
		persona.NewExtractor(tables, tk),
		persona.NewRegistry(cfg.Pipeline.SimilarityThreshold, cfg.Pipeline.BlendAlpha, logger),
		pipeline.Options{
			Thresholds:      th,
			Weights:         memory.Weights{Pleasure: w.Pleasure, Arousal: w.Arousal, Entities: w.Entities, Novelty: w.Novelty},
			MaxTextRunes:    cfg.Pipeline.MaxTextRunes,
			ConflictRetries: cfg.Pipeline.ConflictRetries,
			Location:        loc,
		}, logger)

	if bus := a.openBus(ctx, cfg); bus != nil {
		a.Service.SetBus(bus)
	}
	rg := a.openGraph(ctx, cfg)
	if rg != nil {
		a.Service.SetGraph(rg)
	}
	if ix := a.openIndex(ctx, cfg); ix != nil {
		a.Service.SetIndex(ix)
	}

	if cfg.Digest.Enabled {
		var decayer digest.Decayer
		if rg != nil {
			decayer = rg
		}
		a.Digest, err = digest.NewScheduler(a.Service, decayer, digest.Config{
			Weekly:   cfg.Digest.Weekly,
			Monthly:  cfg.Digest.Monthly,
			Decay:    cfg.Digest.Decay,
			Scopes:   cfg.Digest.Scopes,
			Location: loc,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	if cfg.Database.Postgres.DSN == "" {
		a.logger.Warn("PostgreSQL not configured, using in-memory store")
		a.Backends["postgres"] = StateDisabled
		return store.NewMem(a.logger), nil
	}
	pg, err := store.New(ctx, cfg.Database.Postgres.DSN, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	if err := pg.Migrate(ctx, store.Migrations()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Backends["postgres"] = StateConnected
	return pg, nil
}

// oracle returns the LLM scorer, or nil when no provider is configured.
func (a *App) oracle(cfg *config.Config, th emotion.Thresholds) emotion.Scorer {
	router := provider.NewRouter(a.logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Model: pc.Model, Extra: pc.Extra,
			Timeout: time.Duration(pc.Timeout) * time.Second,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, a.logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, a.logger))
		default:
			a.logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	if router.Len() == 0 {
		a.Backends["oracle"] = StateDisabled
		return nil
	}
	if id := cfg.Pipeline.OracleProvider; id != "" {
		if _, ok := router.GetProvider(id); !ok {
			a.logger.Warn("oracle provider not registered, using default", zap.String("id", id))
		} else {
			router.SetDefault(id)
		}
	}
	var fallbacks []string
	for _, id := range router.IDs() {
		if id != router.DefaultID() {
			fallbacks = append(fallbacks, id)
		}
	}
	router.SetFallbacks(fallbacks)
	a.Backends["oracle"] = router.DefaultID()
	return emotion.NewOracle(router, cfg.Pipeline.OracleModel, th, a.logger)
}

func (a *App) openBus(ctx context.Context, cfg *config.Config) events.Bus {
	if cfg.Database.Redis.URL == "" {
		a.Backends["redis"] = StateDisabled
		return nil
	}
	bus, err := events.NewRedisBus(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.StreamLen, a.logger)
	if err != nil {
		a.logger.Warn("Redis unavailable, running without events", zap.Error(err))
		a.Backends["redis"] = StateFailed
		return nil
	}
	a.closers = append(a.closers, func() { bus.Close() })
	a.Backends["redis"] = StateConnected
	return bus
}

func (a *App) openGraph(ctx context.Context, cfg *config.Config) *graph.RelationGraph {
	n := cfg.Database.Neo4j
	if n.URI == "" {
		a.Backends["neo4j"] = StateDisabled
		return nil
	}
	driver, err := graph.Connect(ctx, n.URI, n.User, n.Password)
	if err != nil {
		a.logger.Warn("Neo4j unavailable, running without relation graph", zap.Error(err))
		a.Backends["neo4j"] = StateFailed
		return nil
	}
	rg := graph.NewRelationGraph(driver, n.Boost, n.Decay, a.logger)
	if err := rg.EnsureSchema(ctx); err != nil {
		a.logger.Warn("Neo4j schema setup failed", zap.Error(err))
	}
	a.closers = append(a.closers, func() { rg.Close(context.Background()) })
	a.Backends["neo4j"] = StateConnected
	return rg
}

func (a *App) openIndex(ctx context.Context, cfg *config.Config) *vectorstore.MemoryIndex {
	q := cfg.Database.Qdrant
	e := cfg.Embedding
	ecfg := embedding.Config{
		Provider: e.Provider, Endpoint: e.Endpoint, Model: e.Model,
		APIKey: e.APIKey, Dimension: e.Dimension, Timeout: e.Timeout, BatchSize: e.BatchSize,
	}
	if q.Host == "" || !ecfg.Enabled() {
		a.Backends["qdrant"] = StateDisabled
		return nil
	}
	embedder, err := embedding.New(ecfg)
	if err != nil {
		a.logger.Warn("embedding provider invalid, running without search", zap.Error(err))
		a.Backends["qdrant"] = StateFailed
		return nil
	}
	client, err := vectorstore.NewClient(vectorstore.QdrantConfig{Host: q.Host, Port: q.Port})
	if err != nil {
		a.logger.Warn("Qdrant unavailable, running without search", zap.Error(err))
		a.Backends["qdrant"] = StateFailed
		return nil
	}
	a.closers = append(a.closers, func() { client.Close() })
	ix := vectorstore.NewMemoryIndex(client, embedder, q.Collection, a.logger)
	if err := ix.Ensure(ctx); err != nil {
		a.logger.Warn("Qdrant collection setup failed, running without search", zap.Error(err))
		a.Backends["qdrant"] = StateFailed
		return nil
	}
	a.Backends["qdrant"] = StateConnected
	return ix
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() {
	if a.Digest != nil {
		a.Digest.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
