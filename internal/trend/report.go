package trend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/store"
)

// Emotion patterns.
const (
	PatternPositive  = "predominantly_positive"
	PatternNegative  = "concerning_negative"
	PatternBalanced  = "balanced"
	PatternNoData    = "no_data"
	highImportance   = 0.7
	mediumImportance = 0.4
	topTagCount      = 3
)

// PersonaCount is how many memories in the window mention a persona.
type PersonaCount struct {
	PersonaID     string `json:"persona_id"`
	CanonicalName string `json:"canonical_name"`
	Count         int    `json:"count"`
}

// TagCount is how often an emotion tag occurs in the window.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// ImportanceBuckets counts memories by importance band.
type ImportanceBuckets struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Report summarizes one scope over [Start, End).
type Report struct {
	UserScope              string                `json:"user_scope"`
	Window                 Window                `json:"window,omitempty"`
	Start                  time.Time             `json:"start"`
	End                    time.Time             `json:"end"`
	Total                  int                   `json:"total"`
	NoData                 bool                  `json:"no_data"`
	EmotionDistribution    map[emotion.Label]int `json:"emotion_distribution"`
	DominantEmotion        emotion.Label         `json:"dominant_emotion"`
	AverageMood            emotion.PAD           `json:"average_mood"`
	PersonaInteractions    []PersonaCount        `json:"persona_interactions"`
	ImportanceDistribution ImportanceBuckets     `json:"importance_distribution"`
	TopTags                []TagCount            `json:"top_tags"`
	EmotionPattern         string                `json:"emotion_pattern"`
	ActiveDays             int                   `json:"active_days"`
	AvgDailyMemories       float64               `json:"avg_daily_memories"`
	PADTrend               emotion.PAD           `json:"pad_trend"`
	PADStability           emotion.PAD           `json:"pad_stability"`
	Insights               []string              `json:"insights"`
}

// Source is the single read a report is built from.
type Source interface {
	Snapshot(ctx context.Context, scope string, start, end time.Time) (*store.Snapshot, error)
}

// Aggregator builds trend reports. It only reads.
type Aggregator struct {
	src    Source
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

// NewAggregator creates an aggregator that aligns windows and counts
// active days in loc.
func NewAggregator(src Source, loc *time.Location, logger *zap.Logger) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{src: src, loc: loc, now: time.Now, logger: logger}
}

// Aggregate reports on the window containing the current time.
func (a *Aggregator) Aggregate(ctx context.Context, scope string, w Window) (*Report, error) {
	start, end, err := Resolve(w, a.now(), a.loc)
	if err != nil {
		return nil, err
	}
	r, err := a.Range(ctx, scope, start, end)
	if err != nil {
		return nil, err
	}
	r.Window = w
	return r, nil
}

// Range reports on an explicit [start, end).
func (a *Aggregator) Range(ctx context.Context, scope string, start, end time.Time) (*Report, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("empty range %s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	snap, err := a.src.Snapshot(ctx, scope, start, end)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	r := Build(snap, a.loc)
	r.UserScope = scope
	r.Start, r.End = start.UTC(), end.UTC()
	a.logger.Debug("trend report built",
		zap.String("scope", scope),
		zap.Int("memories", r.Total),
		zap.Bool("no_data", r.NoData))
	return r, nil
}

// Build computes every report field from a snapshot. It is a pure
// function of its inputs.
func Build(snap *store.Snapshot, loc *time.Location) *Report {
	if loc == nil {
		loc = time.UTC
	}
	mems := snap.Memories
	r := &Report{
		Total:               len(mems),
		EmotionDistribution: map[emotion.Label]int{},
		PersonaInteractions: []PersonaCount{},
		TopTags:             []TagCount{},
		Insights:            []string{},
	}
	for _, l := range emotion.Labels {
		r.EmotionDistribution[l] = 0
	}
	if len(mems) == 0 {
		r.NoData = true
		r.EmotionPattern = PatternNoData
		return r
	}

	counts := make(map[emotion.Label]int)
	weight := make(map[emotion.Label]float64)
	var sum emotion.PAD
	days := make(map[string]bool)
	tags := make(map[string]int)
	for _, m := range mems {
		counts[m.Emotion.Label]++
		weight[m.Emotion.Label] += math.Abs(m.Emotion.Pleasure)
		sum = sum.Add(m.Emotion.PAD)
		days[m.Timestamp.In(loc).Format(time.DateOnly)] = true
		for _, t := range m.Emotion.Tags {
			tags[t]++
		}
		switch {
		case m.ImportanceScore >= highImportance:
			r.ImportanceDistribution.High++
		case m.ImportanceScore >= mediumImportance:
			r.ImportanceDistribution.Medium++
		default:
			r.ImportanceDistribution.Low++
		}
	}

	r.EmotionDistribution = percentages(counts)
	r.DominantEmotion = dominant(counts, weight)
	r.AverageMood = sum.Scale(1 / float64(len(mems)))
	r.PersonaInteractions = personaCounts(snap)
	r.TopTags = topTags(tags)
	r.EmotionPattern = pattern(counts, len(mems))
	r.ActiveDays = len(days)
	r.AvgDailyMemories = float64(len(mems)) / float64(r.ActiveDays)
	r.PADTrend, r.PADStability = padStats(mems)
	r.Insights = insights(r)
	return r
}

// percentages apportions 100 across labels by the largest remainder
// method. Equal remainders go to labels in alphabetical order.
func percentages(counts map[emotion.Label]int) map[emotion.Label]int {
	out := make(map[emotion.Label]int, len(emotion.Labels))
	total := 0
	for _, l := range emotion.Labels {
		out[l] = 0
		total += counts[l]
	}
	if total == 0 {
		return out
	}
	type rem struct {
		label emotion.Label
		r     int
	}
	var rems []rem
	left := 100
	for _, l := range emotion.Labels {
		q, r := 100*counts[l]/total, 100*counts[l]%total
		out[l] = q
		left -= q
		rems = append(rems, rem{l, r})
	}
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].r > rems[j].r })
	for i := 0; i < left; i++ {
		out[rems[i].label]++
	}
	return out
}

// dominant picks the most frequent label, then the one carrying the most
// absolute pleasure, then the alphabetically first.
func dominant(counts map[emotion.Label]int, weight map[emotion.Label]float64) emotion.Label {
	var best emotion.Label
	for _, l := range emotion.Labels {
		if counts[l] == 0 {
			continue
		}
		if best == "" || counts[l] > counts[best] ||
			(counts[l] == counts[best] && weight[l] > weight[best]) {
			best = l
		}
	}
	return best
}

func personaCounts(snap *store.Snapshot) []PersonaCount {
	n := make(map[string]int)
	for _, m := range snap.Memories {
		seen := make(map[string]bool, len(m.PersonaIDs))
		for _, id := range m.PersonaIDs {
			if !seen[id] {
				seen[id] = true
				n[id]++
			}
		}
	}
	out := []PersonaCount{}
	rank := make(map[string]int, len(snap.Personas))
	for i, p := range snap.Personas {
		rank[p.ID] = i
		if c := n[p.ID]; c > 0 {
			out = append(out, PersonaCount{PersonaID: p.ID, CanonicalName: p.CanonicalName, Count: c})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if rank[out[i].PersonaID] != rank[out[j].PersonaID] {
			return rank[out[i].PersonaID] < rank[out[j].PersonaID]
		}
		return out[i].PersonaID < out[j].PersonaID
	})
	return out
}

func topTags(tags map[string]int) []TagCount {
	out := make([]TagCount, 0, len(tags))
	for t, c := range tags {
		out = append(out, TagCount{Tag: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > topTagCount {
		out = out[:topTagCount]
	}
	return out
}

func pattern(counts map[emotion.Label]int, total int) string {
	switch {
	case float64(counts[emotion.Positive])/float64(total) > 0.6:
		return PatternPositive
	case float64(counts[emotion.Negative])/float64(total) > 0.4:
		return PatternNegative
	}
	return PatternBalanced
}

// padStats fits a least-squares slope per axis over the memories in time
// order and reports 1 minus the population standard deviation as
// stability.
func padStats(mems []*memory.Memory) (slope, stability emotion.PAD) {
	axes := func(p emotion.PAD) [3]float64 { return [3]float64{p.Pleasure, p.Arousal, p.Dominance} }
	n := float64(len(mems))
	var s, st [3]float64
	for k := 0; k < 3; k++ {
		var mean, xMean, cov, xVar float64
		for i, m := range mems {
			mean += axes(m.Emotion.PAD)[k]
			xMean += float64(i)
		}
		mean /= n
		xMean /= n
		var variance float64
		for i, m := range mems {
			dy := axes(m.Emotion.PAD)[k] - mean
			dx := float64(i) - xMean
			cov += dx * dy
			xVar += dx * dx
			variance += dy * dy
		}
		if xVar > 0 {
			s[k] = cov / xVar
		}
		st[k] = max(0, 1-math.Sqrt(variance/n))
	}
	return emotion.PAD{Pleasure: s[0], Arousal: s[1], Dominance: s[2]},
		emotion.PAD{Pleasure: st[0], Arousal: st[1], Dominance: st[2]}
}

func insights(r *Report) []string {
	out := []string{}
	switch r.DominantEmotion {
	case emotion.Positive:
		out = append(out, "mood leaned positive this period")
	case emotion.Negative:
		out = append(out, "mood leaned negative this period; worth keeping an eye on")
	}
	if r.PADTrend.Pleasure > 0.05 {
		out = append(out, "pleasure is trending up")
	} else if r.PADTrend.Pleasure < -0.05 {
		out = append(out, "pleasure is trending down")
	}
	switch {
	case r.AvgDailyMemories > 5:
		out = append(out, "very active: more than five memories per active day")
	case r.AvgDailyMemories < 2:
		out = append(out, "quiet period: fewer than two memories per active day")
	}
	if len(r.PersonaInteractions) > 0 {
		out = append(out, fmt.Sprintf("most mentioned: %s", r.PersonaInteractions[0].CanonicalName))
	}
	return out
}
