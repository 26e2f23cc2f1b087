// Package digest publishes periodic trend reports for every user scope and
// ages the relation graph on a cron schedule.
package digest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/trend"
)

// Rolling periods covered by each digest, ending when it fires.
const (
	Weekly  = "weekly"
	Monthly = "monthly"
)

var periods = map[string]time.Duration{
	Weekly:  7 * 24 * time.Hour,
	Monthly: 30 * 24 * time.Hour,
}

// Reporter builds and publishes one scope's report.
type Reporter interface {
	Scopes(ctx context.Context) ([]string, error)
	PublishTrend(ctx context.Context, scope string, start, end time.Time) (*trend.Report, error)
}

// Decayer weakens relation strengths over time.
type Decayer interface {
	Decay(ctx context.Context) error
}

// Config holds the cron specs. An empty spec disables that job.
type Config struct {
	Weekly   string
	Monthly  string
	Decay    string
	Scopes   []string // fixed scopes; empty means every scope with data
	Workers  int
	Location *time.Location
}

// Summary is the outcome of one digest run.
type Summary struct {
	Period    string   `json:"period"`
	Published int      `json:"published"`
	Failed    []string `json:"failed,omitempty"` // sorted
}

// Scheduler runs digests on a cron schedule, reporting on scopes in
// parallel with a bounded pool.
type Scheduler struct {
	reporter Reporter
	decayer  Decayer
	scopes   []string
	cron     *cron.Cron
	pool     chan struct{} // semaphore-based pool
	now      func() time.Time
	mu       sync.Mutex
	running  bool
	logger   *zap.Logger
}

// NewScheduler validates the specs and registers the jobs. decayer may
// be nil when no relation graph is configured.
func NewScheduler(reporter Reporter, decayer Decayer, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scheduler{
		reporter: reporter,
		decayer:  decayer,
		scopes:   cfg.Scopes,
		cron:     cron.New(cron.WithLocation(cfg.Location)),
		pool:     make(chan struct{}, cfg.Workers),
		now:      time.Now,
		logger:   logger,
	}

	for _, job := range []struct {
		spec   string
		period string
	}{{cfg.Weekly, Weekly}, {cfg.Monthly, Monthly}} {
		if job.spec == "" {
			continue
		}
		period := job.period
		if _, err := s.cron.AddFunc(job.spec, func() { s.runJob(period) }); err != nil {
			return nil, fmt.Errorf("%s digest spec %q: %w", period, job.spec, err)
		}
	}
	if cfg.Decay != "" && decayer != nil {
		if _, err := s.cron.AddFunc(cfg.Decay, s.runDecay); err != nil {
			return nil, fmt.Errorf("decay spec %q: %w", cfg.Decay, err)
		}
	}
	return s, nil
}

// Jobs reports how many cron entries are registered.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Start begins firing jobs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("digest scheduler started", zap.Int("jobs", s.Jobs()))
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop waits up to five seconds for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("digest stop timed out waiting for running jobs")
	}
	s.logger.Info("digest scheduler stopped")
}

func (s *Scheduler) runJob(period string) {
	sum, err := s.Run(context.Background(), period)
	if err != nil {
		s.logger.Error("digest failed", zap.String("period", period), zap.Error(err))
		return
	}
	s.logger.Info("digest published",
		zap.String("period", period),
		zap.Int("published", sum.Published),
		zap.Int("failed", len(sum.Failed)))
}

func (s *Scheduler) runDecay() {
	if err := s.decayer.Decay(context.Background()); err != nil {
		s.logger.Warn("relation decay failed", zap.Error(err))
	}
}

// Run publishes the report for the period ending now for every scope.
// A failing scope is recorded in the summary and does not stop the rest.
func (s *Scheduler) Run(ctx context.Context, period string) (*Summary, error) {
	d, ok := periods[period]
	if !ok {
		return nil, fmt.Errorf("unknown digest period %q", period)
	}
	scopes := s.scopes
	if len(scopes) == 0 {
		var err error
		if scopes, err = s.reporter.Scopes(ctx); err != nil {
			return nil, fmt.Errorf("list scopes: %w", err)
		}
	}

	end := s.now()
	start := end.Add(-d)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sum = &Summary{Period: period}
	)
	for _, scope := range scopes {
		wg.Add(1)
		go func(scope string) {
			defer wg.Done()
			s.pool <- struct{}{}        // acquire slot
			defer func() { <-s.pool }() // release slot

			_, err := s.reporter.PublishTrend(ctx, scope, start, end)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("digest scope failed", zap.String("scope", scope), zap.Error(err))
				sum.Failed = append(sum.Failed, scope)
				return
			}
			sum.Published++
		}(scope)
	}
	wg.Wait()
	sort.Strings(sum.Failed)
	return sum, nil
}
