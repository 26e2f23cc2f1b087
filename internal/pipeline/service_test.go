package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/events"
	"github.com/nidhogg/ris/internal/graph"
	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
	"github.com/nidhogg/ris/internal/store"
	"github.com/nidhogg/ris/internal/vectorstore"
)

type recordingBus struct {
	mu     sync.Mutex
	events []*events.Event
}

func (b *recordingBus) Publish(_ context.Context, e *events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeGraph struct {
	err      error
	recorded []string
	co       []graph.CoMention
}

func (g *fakeGraph) RecordMemory(_ context.Context, m *memory.Memory, _ []*persona.Persona) error {
	g.recorded = append(g.recorded, m.ID)
	return g.err
}

func (g *fakeGraph) CoMentions(context.Context, string, string, int) ([]graph.CoMention, error) {
	return g.co, nil
}

type fakeIndex struct {
	indexed []string
	hits    []vectorstore.Hit
}

func (ix *fakeIndex) IndexMemory(_ context.Context, m *memory.Memory) error {
	ix.indexed = append(ix.indexed, m.ID)
	return nil
}

func (ix *fakeIndex) Search(context.Context, string, string, int) ([]vectorstore.Hit, error) {
	return ix.hits, nil
}

// blockingScorer never answers before its context ends.
type blockingScorer struct{}

func (blockingScorer) Score(ctx context.Context, _ string) (*emotion.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// flakyBackend aborts the first failures transactions with a
// serialization error.
type flakyBackend struct {
	*store.Mem
	mu       sync.Mutex
	failures int
	attempts int
}

func (b *flakyBackend) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	b.mu.Lock()
	b.attempts++
	fail := b.attempts <= b.failures
	b.mu.Unlock()
	if fail {
		return fmt.Errorf("commit: %w", store.ErrSerialization)
	}
	return b.Mem.WithTx(ctx, fn)
}

func newService(t *testing.T, backend store.Backend, scorer emotion.Scorer) *Service {
	t.Helper()
	tables := persona.DefaultTables()
	ex := persona.NewExtractor(tables, nil)
	if scorer == nil {
		scorer = emotion.NewHeuristic(emotion.DefaultLexicon(), nil, emotion.DefaultThresholds())
	}
	reg := persona.NewRegistry(0, 0, zap.NewNop())
	return New(backend, scorer, ex, reg, Options{}, zap.NewNop())
}

func TestProcessInteraction(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMem(zap.NewNop())
	svc := newService(t, mem, nil)
	bus := &recordingBus{}
	g := &fakeGraph{}
	ix := &fakeIndex{}
	svc.SetBus(bus)
	svc.SetGraph(g)
	svc.SetIndex(ix)

	res, err := svc.ProcessInteraction(ctx, Request{
		UserScope: "u1",
		Text:      "今天和张三一起去北京出差，心情很好！",
		InputType: "topic",
	})
	if err != nil {
		t.Fatalf("ProcessInteraction: %v", err)
	}

	if res.EmotionAnalysis.Label != emotion.Positive {
		t.Errorf("label = %q, want positive", res.EmotionAnalysis.Label)
	}
	if res.EmotionAnalysis.Strategy != emotion.StrategyHeuristic {
		t.Errorf("strategy = %q", res.EmotionAnalysis.Strategy)
	}
	if len(res.PersonasTouched) != 1 {
		t.Fatalf("touched = %+v, want one", res.PersonasTouched)
	}
	pt := res.PersonasTouched[0]
	if pt.CanonicalName != "张三" || pt.RelationshipType != persona.RelationColleague || !pt.Created {
		t.Errorf("touched = %+v", pt)
	}

	m := res.MemoryCreated
	if m.ID == "" || m.UserScope != "u1" || m.Type != memory.TypeTopic {
		t.Errorf("memory = %+v", m)
	}
	if len(m.PersonaIDs) != 1 || m.PersonaIDs[0] != pt.PersonaID {
		t.Errorf("persona ids = %v, want [%s]", m.PersonaIDs, pt.PersonaID)
	}
	if m.ImportanceScore < 0 || m.ImportanceScore > 1 {
		t.Errorf("importance = %v", m.ImportanceScore)
	}
	if m.Emotion.Label != res.EmotionAnalysis.Label {
		t.Errorf("stored label %q != analysis %q", m.Emotion.Label, res.EmotionAnalysis.Label)
	}

	p, err := svc.GetPersona(ctx, "u1", pt.PersonaID)
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if p.InteractionCount != 1 || p.Context[persona.CtxFirstMemoryID] != m.ID {
		t.Errorf("persona = %+v", p)
	}
	if np, nm := mem.Counts(); np != 1 || nm != 1 {
		t.Errorf("counts = %d personas, %d memories", np, nm)
	}

	if got := strings.Join(bus.types(), ","); got != "memory.created,persona.created" {
		t.Errorf("events = %s", got)
	}
	if len(g.recorded) != 1 || len(ix.indexed) != 1 || ix.indexed[0] != m.ID {
		t.Errorf("sinks: graph %v, index %v", g.recorded, ix.indexed)
	}
}

func TestSameNameTwice(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMem(zap.NewNop()), nil)

	first, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "和李四一起吃饭"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "李四的朋友来了"})
	if err != nil {
		t.Fatal(err)
	}
	if !first.PersonasTouched[0].Created || second.PersonasTouched[0].Created {
		t.Errorf("created flags = %v, %v", first.PersonasTouched[0].Created, second.PersonasTouched[0].Created)
	}
	ps, err := svc.ListPersonas(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps[0].InteractionCount != 2 {
		t.Fatalf("personas = %+v, want one with count 2", ps)
	}
	if ps[0].RelationshipType != persona.RelationFriend {
		t.Errorf("relationship = %q, want upgrade to friend", ps[0].RelationshipType)
	}
}

func TestConcurrentSamePersona(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMem(zap.NewNop())
	svc := newService(t, mem, nil)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "和李四一起吃饭"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ProcessInteraction: %v", err)
		}
	}

	ps, _ := svc.ListPersonas(ctx, "u1")
	if len(ps) != 1 {
		t.Fatalf("personas = %d, want 1", len(ps))
	}
	if ps[0].InteractionCount != n {
		t.Errorf("count = %d, want %d", ps[0].InteractionCount, n)
	}
	if _, nm := mem.Counts(); nm != n {
		t.Errorf("memories = %d, want %d", nm, n)
	}
}

func TestFuzzyVariants(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMem(zap.NewNop()), nil)
	for _, text := range []string{"lunch with Jonathan", "a call from Jonathon", "dinner with Annabel", "coffee with Anna"} {
		if _, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: text}); err != nil {
			t.Fatalf("%q: %v", text, err)
		}
	}
	ps, _ := svc.ListPersonas(ctx, "u1")
	var names []string
	for _, p := range ps {
		names = append(names, p.CanonicalName)
	}
	if strings.Join(names, ",") != "Jonathan,Annabel,Anna" {
		t.Fatalf("personas = %v, want Jonathan,Annabel,Anna", names)
	}
	if ps[0].InteractionCount != 2 {
		t.Errorf("Jonathan count = %d, want 2", ps[0].InteractionCount)
	}
}

func TestInvalidInputHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMem(zap.NewNop())
	tables := persona.DefaultTables()
	svc := New(mem,
		emotion.NewHeuristic(emotion.DefaultLexicon(), nil, emotion.DefaultThresholds()),
		persona.NewExtractor(tables, nil),
		persona.NewRegistry(0, 0, zap.NewNop()),
		Options{MaxTextRunes: 10}, zap.NewNop())
	bus := &recordingBus{}
	svc.SetBus(bus)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{UserScope: "u1", Text: ""}},
		{"blank", Request{UserScope: "u1", Text: " \t\n "}},
		{"too long", Request{UserScope: "u1", Text: strings.Repeat("张", 11)}},
		{"no scope", Request{Text: "和李四一起吃饭"}},
		{"bad type", Request{UserScope: "u1", Text: "和李四一起吃饭", InputType: "fax"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ProcessInteraction(ctx, tt.req)
			if !errors.Is(err, ErrInput) {
				t.Errorf("err = %v, want ErrInput", err)
			}
		})
	}
	if np, nm := mem.Counts(); np != 0 || nm != 0 {
		t.Errorf("store changed: %d personas, %d memories", np, nm)
	}
	if len(bus.types()) != 0 {
		t.Errorf("events published: %v", bus.types())
	}
}

func TestOracleTimeoutUsesHeuristic(t *testing.T) {
	heuristic := emotion.NewHeuristic(emotion.DefaultLexicon(), nil, emotion.DefaultThresholds())
	scorer := emotion.NewFallback(blockingScorer{}, heuristic, 20*time.Millisecond, zap.NewNop())
	svc := newService(t, store.NewMem(zap.NewNop()), scorer)

	start := time.Now()
	res, err := svc.ProcessInteraction(context.Background(), Request{UserScope: "u1", Text: "今天不开心"})
	if err != nil {
		t.Fatalf("ProcessInteraction: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("oracle timeout not enforced")
	}
	a := res.EmotionAnalysis
	if a.Strategy != emotion.StrategyHeuristic || a.Label != emotion.Negative {
		t.Errorf("analysis = %+v", a)
	}
	if len(a.Warnings) != 1 || a.Warnings[0] != emotion.WarnOracleUnavailable {
		t.Errorf("warnings = %v", a.Warnings)
	}
}

func TestSerializationRetry(t *testing.T) {
	ctx := context.Background()

	ok := &flakyBackend{Mem: store.NewMem(zap.NewNop()), failures: 2}
	svc := newService(t, ok, nil)
	if _, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "和李四一起吃饭"}); err != nil {
		t.Fatalf("retry within budget: %v", err)
	}
	if ok.attempts != 3 {
		t.Errorf("attempts = %d, want 3", ok.attempts)
	}

	bad := &flakyBackend{Mem: store.NewMem(zap.NewNop()), failures: 10}
	svc = newService(t, bad, nil)
	_, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "和李四一起吃饭"})
	if !errors.Is(err, ErrPersonaConflict) {
		t.Fatalf("err = %v, want ErrPersonaConflict", err)
	}
	if np, nm := bad.Counts(); np != 0 || nm != 0 {
		t.Errorf("store changed: %d personas, %d memories", np, nm)
	}
}

func TestCancelledBeforeCommit(t *testing.T) {
	mem := store.NewMem(zap.NewNop())
	svc := newService(t, mem, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "和李四一起吃饭"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if np, nm := mem.Counts(); np != 0 || nm != 0 {
		t.Errorf("store changed: %d personas, %d memories", np, nm)
	}
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	svc := newService(t, store.NewMem(zap.NewNop()), nil)
	svc.SetGraph(&fakeGraph{err: errors.New("neo4j down")})
	if _, err := svc.ProcessInteraction(context.Background(), Request{UserScope: "u1", Text: "和李四一起吃饭"}); err != nil {
		t.Fatalf("graph failure leaked: %v", err)
	}
}

func TestCallerStyle(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMem(zap.NewNop()), nil)
	res, err := svc.ProcessInteraction(ctx, Request{
		UserScope: "u1",
		Text:      "和李四一起吃饭",
		InputType: "voice",
		Context:   map[string]string{ContextStyle: "direct"},
	})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := svc.GetPersona(ctx, "u1", res.PersonasTouched[0].PersonaID)
	if p.CommunicationStyle != "direct" || p.Context[persona.CtxFirstInputType] != "voice" {
		t.Errorf("persona = %+v", p)
	}
	if res.MemoryCreated.Context[ContextStyle] != "direct" {
		t.Errorf("memory context = %v", res.MemoryCreated.Context)
	}
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMem(zap.NewNop()), nil)
	g := &fakeGraph{co: []graph.CoMention{{PersonaID: "p2", CanonicalName: "王五", Count: 1}}}
	svc.SetGraph(g)

	a, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "和李四一起吃饭，很开心"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "李四今天很难过"})
	if err != nil {
		t.Fatal(err)
	}
	id := a.PersonasTouched[0].PersonaID

	t.Run("trend", func(t *testing.T) {
		r, err := svc.GetTrend(ctx, "u1", "week")
		if err != nil {
			t.Fatal(err)
		}
		if r.Total != 2 || r.NoData {
			t.Errorf("report total = %d, no_data = %v", r.Total, r.NoData)
		}
		if _, err := svc.GetTrend(ctx, "u1", "year"); !errors.Is(err, ErrInput) {
			t.Errorf("bad window err = %v", err)
		}
		now := time.Now()
		if _, err := svc.GetTrendRange(ctx, "u1", now, now); !errors.Is(err, ErrInput) {
			t.Errorf("empty range err = %v", err)
		}
	})

	t.Run("annotation", func(t *testing.T) {
		bad := emotion.Label("ecstatic")
		if _, err := svc.UpdateMemoryAnnotation(ctx, "u1", a.MemoryCreated.ID, memory.Patch{Label: &bad}); !errors.Is(err, ErrInput) {
			t.Errorf("invalid label err = %v", err)
		}
		neutral := emotion.Neutral
		if _, err := svc.UpdateMemoryAnnotation(ctx, "u1", "missing", memory.Patch{Label: &neutral}); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing memory err = %v", err)
		}
		m, err := svc.UpdateMemoryAnnotation(ctx, "u1", a.MemoryCreated.ID, memory.Patch{Label: &neutral})
		if err != nil || m.Emotion.Label != emotion.Neutral {
			t.Errorf("update = %+v, %v", m, err)
		}
	})

	t.Run("list", func(t *testing.T) {
		ms, err := svc.ListMemories(ctx, memory.Query{UserScope: "u1", PersonaID: id})
		if err != nil || len(ms) != 2 {
			t.Fatalf("ListMemories = %d, %v", len(ms), err)
		}
		if _, err := svc.ListMemories(ctx, memory.Query{UserScope: "u1", Limit: -1}); !errors.Is(err, ErrInput) {
			t.Errorf("negative limit err = %v", err)
		}
	})

	t.Run("insights", func(t *testing.T) {
		in, err := svc.PersonaInsights(ctx, "u1", id)
		if err != nil {
			t.Fatal(err)
		}
		if in.MemoryCount != 2 || len(in.RecentMemories) != 2 {
			t.Errorf("insights = %+v", in)
		}
		if in.RecentMemories[0].ID != b.MemoryCreated.ID {
			t.Errorf("recent memories not newest first")
		}
		if in.LabelBreakdown[emotion.Negative] != 1 || len(in.LabelBreakdown) != 3 {
			t.Errorf("breakdown = %v", in.LabelBreakdown)
		}
		if len(in.CoMentions) != 1 || in.CoMentions[0].PersonaID != "p2" {
			t.Errorf("co-mentions = %v", in.CoMentions)
		}
		if _, err := svc.PersonaInsights(ctx, "u1", "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown persona err = %v", err)
		}
	})

	t.Run("search", func(t *testing.T) {
		if _, err := svc.SearchMemories(ctx, "u1", "李四", 5); !errors.Is(err, ErrUnavailable) {
			t.Errorf("no index err = %v", err)
		}
		svc.SetIndex(&fakeIndex{hits: []vectorstore.Hit{
			{MemoryID: b.MemoryCreated.ID, Score: 0.9},
			{MemoryID: "stale", Score: 0.5},
		}})
		defer svc.SetIndex(nil)
		hits, err := svc.SearchMemories(ctx, "u1", "李四", 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 1 || hits[0].Memory.ID != b.MemoryCreated.ID {
			t.Errorf("hits = %+v", hits)
		}
	})

	t.Run("publish trend", func(t *testing.T) {
		bus := &recordingBus{}
		svc.SetBus(bus)
		defer svc.SetBus(nil)
		now := time.Now()
		r, err := svc.PublishTrend(ctx, "u1", now.Add(-time.Hour), now.Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if r.Total != 2 {
			t.Errorf("published total = %d, want 2", r.Total)
		}
		if got := bus.types(); len(got) != 1 || got[0] != events.TrendReport {
			t.Errorf("events = %v", got)
		}
		scopes, err := svc.Scopes(ctx)
		if err != nil || len(scopes) != 1 || scopes[0] != "u1" {
			t.Errorf("scopes = %v, %v", scopes, err)
		}
	})
}

func TestNamesAmongOrdinaryWords(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMem(zap.NewNop()), nil)
	for _, text := range []string{
		"今天跟同事李娜吵架了",
		"李娜请我吃饭，很开心",
		"周末和朋友去黄山玩",
		"林间散步很舒服",
	} {
		if _, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: text}); err != nil {
			t.Fatalf("%q: %v", text, err)
		}
	}
	ps, err := svc.ListPersonas(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps[0].CanonicalName != "李娜" {
		var names []string
		for _, p := range ps {
			names = append(names, p.CanonicalName)
		}
		t.Fatalf("personas = %v, want [李娜]", names)
	}
	if ps[0].InteractionCount != 2 || ps[0].RelationshipType != persona.RelationColleague {
		t.Errorf("李娜 = count %d, relationship %s", ps[0].InteractionCount, ps[0].RelationshipType)
	}
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMem(zap.NewNop()), nil)
	now := time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)

	svc.now = func() time.Time { return now.AddDate(0, 0, -10) }
	if _, err := svc.ProcessInteraction(ctx, Request{UserScope: "u1", Text: "和李四一起吃饭"}); err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return now.Add(-time.Hour) }
	for _, req := range []Request{
		{UserScope: "u1", Text: "李四很难过"},
		{UserScope: "u1", Text: "和张三去公园拍照", InputType: "photo"},
		{UserScope: "u2", Text: "和王五聊天"},
	} {
		if _, err := svc.ProcessInteraction(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	svc.now = func() time.Time { return now }

	st, err := svc.Statistics(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.UserScope != "u1" || st.MemoryCount != 3 || st.PersonaCount != 2 {
		t.Errorf("statistics = %+v", st)
	}
	if st.RecentMemories != 2 {
		t.Errorf("recent = %d, want 2", st.RecentMemories)
	}
	want := map[memory.Type]int{memory.TypeTopic: 2, memory.TypePhoto: 1, memory.TypeVoice: 0}
	if len(st.Distribution) != len(want) {
		t.Errorf("distribution = %v, want %v", st.Distribution, want)
	}
	for typ, n := range want {
		if st.Distribution[typ] != n {
			t.Errorf("distribution[%s] = %d, want %d", typ, st.Distribution[typ], n)
		}
	}
	if !st.GeneratedAt.Equal(now) {
		t.Errorf("generated at %v", st.GeneratedAt)
	}

	empty, err := svc.Statistics(ctx, "nobody")
	if err != nil || empty.MemoryCount != 0 || empty.RecentMemories != 0 {
		t.Errorf("empty scope = %+v, %v", empty, err)
	}
	if _, err := svc.Statistics(ctx, " "); !errors.Is(err, ErrInput) {
		t.Errorf("blank scope err = %v", err)
	}
}

func TestThresholdDefaultsPerField(t *testing.T) {
	o := Options{Thresholds: emotion.Thresholds{Positive: 0.5}}
	o.setDefaults()
	if o.Thresholds.Positive != 0.5 || o.Thresholds.Negative != -0.2 {
		t.Fatalf("thresholds = %+v, want {0.5 -0.2}", o.Thresholds)
	}
	if got := o.Thresholds.Label(-0.1); got != emotion.Neutral {
		t.Errorf("label(-0.1) = %s, want neutral", got)
	}

	o = Options{Thresholds: emotion.Thresholds{Negative: -0.4}}
	o.setDefaults()
	if o.Thresholds.Positive != 0.2 || o.Thresholds.Negative != -0.4 {
		t.Errorf("thresholds = %+v, want {0.2 -0.4}", o.Thresholds)
	}
}

func TestAnalyzeEmotion(t *testing.T) {
	mem := store.NewMem(zap.NewNop())
	svc := newService(t, mem, nil)
	res, err := svc.AnalyzeEmotion(context.Background(), "和妈妈吵架了，很难过")
	if err != nil {
		t.Fatal(err)
	}
	if res.Label != emotion.Negative || !res.PAD.Valid() {
		t.Errorf("result = %+v", res)
	}
	if _, err := svc.AnalyzeEmotion(context.Background(), "  "); !errors.Is(err, ErrInput) {
		t.Errorf("blank err = %v", err)
	}
	if np, nm := mem.Counts(); np != 0 || nm != 0 {
		t.Errorf("analysis stored data: %d personas, %d memories", np, nm)
	}
}
