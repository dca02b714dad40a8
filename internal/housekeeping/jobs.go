package housekeeping

import (
	"context"
	"log/slog"
	"time"
)

// Job names.
const (
	JobSessionSweep   = "session_sweep"
	JobAuditRetention = "audit_retention"
	JobLimiterPrune   = "limiter_prune"
)

// Sweeper drops expired sessions.
type Sweeper interface {
	Sweep() int
}

// Purger deletes audit records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner drops idle limiter state.
type Pruner interface {
	Prune() int
}

func SessionSweep(s Sweeper, logger *slog.Logger) JobFunc {
	return func(context.Context) error {
		if n := s.Sweep(); n > 0 {
			logger.Info("expired sessions removed", "count", n)
		}
		return nil
	}
}

// AuditRetention purges records older than days. now is injectable for tests.
func AuditRetention(p Purger, days int, now func() time.Time) JobFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		cutoff := now().UTC().AddDate(0, 0, -days)
		_, err := p.Purge(ctx, cutoff)
		return err
	}
}

func LimiterPrune(p Pruner) JobFunc {
	return func(context.Context) error {
		p.Prune()
		return nil
	}
}
