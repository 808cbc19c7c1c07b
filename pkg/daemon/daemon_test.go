package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barthlab/kernel/pkg/config"
	"github.com/barthlab/kernel/pkg/types"
)

func newTestDaemon(t *testing.T, speedFactor float64) *Daemon {
	return newTestDaemonWithCadences(t, speedFactor, nil)
}

func newTestDaemonWithCadences(t *testing.T, speedFactor float64, cadenceOverrides map[string]string) *Daemon {
	t.Helper()
	cfg := config.Default()
	cfg.Timezone = "UTC"
	d, err := New(context.Background(), Options{
		DBPath:           filepath.Join(t.TempDir(), "kernel.db"),
		Config:           cfg,
		SpeedFactor:      speedFactor,
		CadenceOverrides: cadenceOverrides,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown() })
	return d
}

func TestDaemon_EndToEndAutonomyLoop(t *testing.T) {
	// reflection_micro's default cadence (every:7200) would not produce a
	// first tick within any reasonable test deadline even at a slashed
	// speed factor, so give it a short cadence here directly rather than
	// widening the poll window for every drive.
	d := newTestDaemonWithCadences(t, 0.01, map[string]string{
		"reflection_micro": "every:10",
	})
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	deadline := time.Now().Add(15 * time.Second)
	seen := map[string]bool{}
	for time.Now().Before(deadline) {
		rows, err := d.store.DB().QueryContext(ctx, `SELECT DISTINCT task_id FROM ticks`)
		require.NoError(t, err)
		for rows.Next() {
			var id string
			require.NoError(t, rows.Scan(&id))
			seen[id] = true
		}
		rows.Close()

		if seen["self_check"] && seen["curiosity_probe"] && seen["reflection_micro"] {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	assert.True(t, seen["self_check"], "expected at least one self_check tick")
	assert.True(t, seen["curiosity_probe"], "expected at least one curiosity_probe tick")
	assert.True(t, seen["reflection_micro"], "expected at least one reflection_micro tick")

	pending, err := d.ListPendingNudges(ctx, 10)
	require.NoError(t, err)
	var curiosity *types.Nudge
	for i := range pending {
		if pending[i].Kind == "curiosity" {
			curiosity = &pending[i]
		}
	}
	require.NotNil(t, curiosity, "expected a pending curiosity nudge")

	require.NoError(t, d.SetNudgeStatus(ctx, curiosity.ID, types.NudgeStatusActed))

	stillPending, err := d.ListPendingNudges(ctx, 10)
	require.NoError(t, err)
	for _, n := range stillPending {
		assert.NotEqual(t, curiosity.ID, n.ID, "acted nudge must no longer be pending")
	}
}

func TestDaemon_GlobalBrakeBlocksSchedulerScopeAndStartSucceeds(t *testing.T) {
	d := newTestDaemon(t, 0.01)
	ctx := context.Background()

	require.NoError(t, d.Brake().Engage(ctx, string(types.ScopeGlobal)))
	assert.True(t, d.Brake().IsBlocked(string(types.ScopeScheduler)))

	require.NoError(t, d.Start(ctx))
	time.Sleep(200 * time.Millisecond)

	var count int
	require.NoError(t, d.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks WHERE result_meta LIKE '%parking_brake_engaged%'`).Scan(&count))
	// Brake-blocked ticks are recorded lazily on the scheduler's own
	// timing; absence here just means the first cycle hasn't fired yet,
	// so this only asserts the daemon didn't crash wiring brake+scheduler.
	_ = count
}

func TestDaemon_BrakeTransitionsRecordSafetyAuditMemory(t *testing.T) {
	d := newTestDaemon(t, 1.0)
	ctx := context.Background()

	require.NoError(t, d.Brake().Engage(ctx, string(types.ScopeGlobal)))
	require.NoError(t, d.Brake().Disengage(ctx))

	var count int
	require.NoError(t, d.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE kind = 'safety.audit'`).Scan(&count))
	assert.Equal(t, 2, count, "expected one safety.audit memory per brake transition")

	var value string
	require.NoError(t, d.store.DB().QueryRowContext(ctx,
		`SELECT value FROM memories WHERE kind = 'safety.audit' ORDER BY id ASC LIMIT 1`).Scan(&value))
	assert.Contains(t, value, `"action":"engaged"`)
	assert.Contains(t, value, `"global"`)
}

func TestDaemon_RunCommandRejectsUnsupportedCommands(t *testing.T) {
	d := newTestDaemon(t, 1.0)
	err := d.RunCommand(context.Background(), "water_log_250")
	assert.Error(t, err)
}

func TestDaemon_RunCommandTriggersDailyReflectionOnDemand(t *testing.T) {
	d := newTestDaemon(t, 1.0)
	ctx := context.Background()

	require.NoError(t, d.RunCommand(ctx, "reflection_run_daily"))

	latest, err := d.LatestReflection(ctx, "daily_journal")
	require.NoError(t, err)
	assert.Equal(t, "daily_journal", latest.Kind)
}

func TestDaemon_HealthSummaryReportsDBPathAndPendingCount(t *testing.T) {
	d := newTestDaemon(t, 1.0)
	ctx := context.Background()

	summary := d.HealthSummary(ctx)
	assert.True(t, summary.KernelOnline)
	assert.NotEmpty(t, summary.DBPath)
	assert.Equal(t, 0, summary.NudgesPendingCount)
}

func TestDaemon_EmbeddingsStatsReportsMemoryCount(t *testing.T) {
	d := newTestDaemon(t, 1.0)
	ctx := context.Background()

	stats, err := d.EmbeddingsStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.MemoryCount)
}
