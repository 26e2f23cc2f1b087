package digest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/trend"
)

type fakeReporter struct {
	mu     sync.Mutex
	scopes []string
	fail   map[string]bool
	calls  map[string][2]time.Time
}

func (f *fakeReporter) Scopes(context.Context) ([]string, error) { return f.scopes, nil }

func (f *fakeReporter) PublishTrend(_ context.Context, scope string, start, end time.Time) (*trend.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][2]time.Time)
	}
	f.calls[scope] = [2]time.Time{start, end}
	if f.fail[scope] {
		return nil, errors.New("boom")
	}
	return &trend.Report{UserScope: scope}, nil
}

type fakeDecayer struct{}

func (fakeDecayer) Decay(context.Context) error { return nil }

func TestNewSchedulerSpecs(t *testing.T) {
	rep := &fakeReporter{}
	s, err := NewScheduler(rep, fakeDecayer{}, Config{Weekly: "0 20 * * 0", Monthly: "0 20 1 * *", Decay: "@daily"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if s.Jobs() != 3 {
		t.Errorf("jobs = %d, want 3", s.Jobs())
	}

	s, err = NewScheduler(rep, nil, Config{Weekly: "0 20 * * 0", Decay: "@daily"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if s.Jobs() != 1 {
		t.Errorf("jobs without decayer = %d, want 1", s.Jobs())
	}

	if _, err := NewScheduler(rep, nil, Config{Weekly: "every tuesday"}, zap.NewNop()); err == nil {
		t.Error("expected error for bad spec")
	}
}

func TestRun(t *testing.T) {
	rep := &fakeReporter{scopes: []string{"u1", "u2", "u3"}, fail: map[string]bool{"u2": true}}
	s, err := NewScheduler(rep, nil, Config{Workers: 2}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	sum, err := s.Run(context.Background(), Weekly)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Published != 2 || len(sum.Failed) != 1 || sum.Failed[0] != "u2" {
		t.Errorf("summary = %+v", sum)
	}
	got := rep.calls["u1"]
	if !got[1].Equal(now) || !got[0].Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("weekly range = %v..%v", got[0], got[1])
	}

	if _, err := s.Run(context.Background(), "yearly"); err == nil {
		t.Error("expected error for unknown period")
	}
}

func TestRunFailedSorted(t *testing.T) {
	scopes := []string{"u9", "u3", "u7", "u1", "u5", "u2", "u8", "u4", "u6"}
	fail := make(map[string]bool, len(scopes))
	for _, sc := range scopes {
		fail[sc] = true
	}
	rep := &fakeReporter{scopes: scopes, fail: fail}
	s, err := NewScheduler(rep, nil, Config{Workers: 4}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		sum, err := s.Run(context.Background(), Weekly)
		if err != nil {
			t.Fatal(err)
		}
		if len(sum.Failed) != len(scopes) || !sort.StringsAreSorted(sum.Failed) {
			t.Fatalf("run %d: failed = %v, want all scopes sorted", i, sum.Failed)
		}
	}
}

func TestRunFixedScopes(t *testing.T) {
	rep := &fakeReporter{scopes: []string{"ignored"}}
	s, err := NewScheduler(rep, nil, Config{Scopes: []string{"a", "b"}}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sum, err := s.Run(context.Background(), Monthly)
	if err != nil {
		t.Fatal(err)
	}
	var called []string
	for scope := range rep.calls {
		called = append(called, scope)
	}
	sort.Strings(called)
	if sum.Published != 2 || len(called) != 2 || called[0] != "a" || called[1] != "b" {
		t.Errorf("summary = %+v, called = %v", sum, called)
	}
}

func TestStartStop(t *testing.T) {
	s, err := NewScheduler(&fakeReporter{}, nil, Config{Weekly: "0 20 * * 0"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	s.Start(ctx)
	cancel()
	s.Stop()
	s.Stop()
}
