package emotion

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultOracleTimeout bounds a single oracle call.
const DefaultOracleTimeout = 3 * time.Second

// Fallback tries the primary scorer under a timeout and degrades to the
// secondary on any failure. The secondary must not fail.
type Fallback struct {
	primary   Scorer
	secondary Scorer
	timeout   time.Duration
	logger    *zap.Logger
}

// NewFallback wraps primary (usually an Oracle) with secondary (usually a
// Heuristic). A nil primary scores with the secondary alone.
func NewFallback(primary, secondary Scorer, timeout time.Duration, logger *zap.Logger) *Fallback {
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	return &Fallback{primary: primary, secondary: secondary, timeout: timeout, logger: logger}
}

// Score implements Scorer.
func (f *Fallback) Score(ctx context.Context, text string) (*Result, error) {
	if f.primary != nil {
		octx, cancel := context.WithTimeout(ctx, f.timeout)
		res, err := f.primary.Score(octx, text)
		cancel()
		if err == nil {
			return res, nil
		}
		f.logger.Warn("emotion oracle failed, using heuristic", zap.Duration("timeout", f.timeout), zap.Error(err))
		res, herr := f.secondary.Score(ctx, text)
		if herr != nil {
			return nil, herr
		}
		res.Strategy = StrategyHeuristic
		res.Warnings = append(res.Warnings, WarnOracleUnavailable)
		return res, nil
	}
	return f.secondary.Score(ctx, text)
}
