// Package emotion scores text on the Pleasure-Arousal-Dominance model.
package emotion

import (
	"context"
	"errors"
	"math"
)

// ErrOracleUnavailable marks a failed, timed-out or malformed oracle call.
// It is never fatal: Fallback absorbs it and records a warning instead.
var ErrOracleUnavailable = errors.New("emotion oracle unavailable")

// WarnOracleUnavailable is the warning attached to results produced by the
// heuristic after the oracle failed.
const WarnOracleUnavailable = "oracle_unavailable"

// PAD is a point in Pleasure-Arousal-Dominance space, each axis in [-1,1].
type PAD struct {
	Pleasure  float64 `json:"pleasure"`
	Arousal   float64 `json:"arousal"`
	Dominance float64 `json:"dominance"`
}

// Clamp limits every axis to [-1,1].
func (p PAD) Clamp() PAD {
	return PAD{
		Pleasure:  clamp(p.Pleasure),
		Arousal:   clamp(p.Arousal),
		Dominance: clamp(p.Dominance),
	}
}

// Scale multiplies every axis by f.
func (p PAD) Scale(f float64) PAD {
	return PAD{Pleasure: p.Pleasure * f, Arousal: p.Arousal * f, Dominance: p.Dominance * f}
}

// Add returns the axis-wise sum.
func (p PAD) Add(q PAD) PAD {
	return PAD{Pleasure: p.Pleasure + q.Pleasure, Arousal: p.Arousal + q.Arousal, Dominance: p.Dominance + q.Dominance}
}

// Blend moves p toward target by factor alpha: (1-alpha)*p + alpha*target.
func (p PAD) Blend(target PAD, alpha float64) PAD {
	return p.Scale(1 - alpha).Add(target.Scale(alpha)).Clamp()
}

// Valid reports whether every axis is a finite number in [-1,1].
func (p PAD) Valid() bool {
	for _, v := range []float64{p.Pleasure, p.Arousal, p.Dominance} {
		if math.IsNaN(v) || v < -1 || v > 1 {
			return false
		}
	}
	return true
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}

// Label is the categorical emotion derived from pleasure.
type Label string

const (
	Positive Label = "positive"
	Negative Label = "negative"
	Neutral  Label = "neutral"
)

// Labels lists every label in alphabetical order.
var Labels = []Label{Negative, Neutral, Positive}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	return l == Positive || l == Negative || l == Neutral
}

// Thresholds control label derivation.
type Thresholds struct {
	Positive float64 `json:"positive"` // pleasure > Positive → positive
	Negative float64 `json:"negative"` // pleasure < Negative → negative
}

// DefaultThresholds returns ±0.2.
func DefaultThresholds() Thresholds {
	return Thresholds{Positive: 0.2, Negative: -0.2}
}

// WithDefaults fills each zero bound from DefaultThresholds.
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Positive == 0 {
		t.Positive = d.Positive
	}
	if t.Negative == 0 {
		t.Negative = d.Negative
	}
	return t
}

// Label maps pleasure to a label. The same function is applied whichever
// strategy produced the score.
func (t Thresholds) Label(pleasure float64) Label {
	switch {
	case pleasure > t.Positive:
		return Positive
	case pleasure < t.Negative:
		return Negative
	default:
		return Neutral
	}
}

// Strategy names the scorer that produced a Result.
type Strategy string

const (
	StrategyHeuristic Strategy = "heuristic"
	StrategyOracle    Strategy = "oracle"
)

// Result is the output shared by every scoring strategy.
type Result struct {
	PAD
	Label      Label    `json:"label"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	Strategy   Strategy `json:"strategy"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Scorer maps text to a PAD result.
type Scorer interface {
	Score(ctx context.Context, text string) (*Result, error)
}
