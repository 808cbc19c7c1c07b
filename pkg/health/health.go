// Package health gathers the system metrics the self_check drive
// reports on and turns them into the named drift conditions a daily
// reflection or nudge can act on.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/barthlab/kernel/pkg/types"
)

// Metrics is a point-in-time snapshot of kernel health.
type Metrics struct {
	DBOk                  bool
	DBSizeBytes           int64
	PendingNudges         int
	LastDailyReflectionTS *int64
}

// Store is the persistence surface the self_check drive needs to build
// a Metrics snapshot.
type Store interface {
	DB() *sql.DB
	Path() string
	CountPendingNudges(ctx context.Context) (int, error)
	LatestReflection(ctx context.Context, kind string) (types.Reflection, error)
}

// GetSystemMetrics pings the store, stats the database file on disk, and
// reads the current pending-nudge backlog and last daily reflection.
func GetSystemMetrics(ctx context.Context, store Store) Metrics {
	m := Metrics{}

	if err := store.DB().PingContext(ctx); err == nil {
		m.DBOk = true
	}

	if info, err := os.Stat(store.Path()); err == nil {
		m.DBSizeBytes = info.Size()
	}

	if n, err := store.CountPendingNudges(ctx); err == nil {
		m.PendingNudges = n
	}

	if r, err := store.LatestReflection(ctx, "daily_journal"); err == nil {
		ts := r.TS
		m.LastDailyReflectionTS = &ts
	}

	return m
}

// pendingNudgeDriftThreshold and staleDailyReflectionThreshold are the
// two drift thresholds the original kernel's self_check drive applies.
const (
	pendingNudgeDriftThreshold     = 20
	staleDailyReflectionThreshold  = 36 * time.Hour
)

// CheckDrift inspects a Metrics snapshot against now and returns the
// named drift conditions present, if any. The exact condition strings
// ("database_unreachable", "high_pending_nudges:N", "stale_daily_reflection:Nh")
// are stable identifiers other components and tests key off of.
func CheckDrift(m Metrics, now time.Time) []string {
	var drift []string

	if !m.DBOk {
		drift = append(drift, "database_unreachable")
	}
	if m.PendingNudges > pendingNudgeDriftThreshold {
		drift = append(drift, fmt.Sprintf("high_pending_nudges:%d", m.PendingNudges))
	}
	if m.LastDailyReflectionTS != nil {
		age := now.Sub(time.Unix(*m.LastDailyReflectionTS, 0))
		if age > staleDailyReflectionThreshold {
			drift = append(drift, fmt.Sprintf("stale_daily_reflection:%dh", int(age.Hours())))
		}
	}
	// A missing reflection entirely is not itself drift: a freshly
	// initialized kernel hasn't had a chance to write one yet.

	return drift
}
