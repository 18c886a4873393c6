package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/relay"
)

// Job names.
const (
	JobSessionStats = "session-stats"
	JobAuditPrune   = "audit-prune"
)

// PruneSchedule is when audit retention runs.
const PruneSchedule = "@daily"

// SessionCounter reports tracked threads.
type SessionCounter interface {
	Len() int
}

// PoolSource reports worker pool counters.
type PoolSource interface {
	Stats() relay.Stats
}

// Pruner deletes audit records older than the retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// SessionStats logs the number of active thread sessions and the pool load.
// pool may be nil.
func SessionStats(sessions SessionCounter, pool PoolSource, logger *slog.Logger) JobFunc {
	return func(context.Context) error {
		attrs := []any{"active_sessions", sessions.Len()}
		if pool != nil {
			st := pool.Stats()
			attrs = append(attrs, "in_flight", st.InFlight, "queued", st.Queued, "handled", st.Handled)
		}
		logger.Info("session stats", attrs...)
		return nil
	}
}

// AuditPrune removes audit records older than retentionDays.
func AuditPrune(p Pruner, retentionDays int, logger *slog.Logger) JobFunc {
	retention := time.Duration(retentionDays) * 24 * time.Hour
	return func(ctx context.Context) error {
		n, err := p.Prune(ctx, retention)
		if err != nil {
			return fmt.Errorf("pruning audit log: %w", err)
		}
		if n > 0 {
			logger.Info("audit log pruned", "deleted", n, "retention_days", retentionDays)
		}
		return nil
	}
}
