package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barthlab/kernel/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesWALPragmas(t *testing.T) {
	s := newTestStore(t)
	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_FailsOnUnwritableDirectory(t *testing.T) {
	_, err := Open("/nonexistent-dir-for-kernel-test/kernel.db")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemory_UpsertInsertsThenReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1, err := s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "first"})
	require.NoError(t, err)

	m2, err := s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "second"})
	require.NoError(t, err)

	assert.Equal(t, m1.ID, m2.ID, "same (kind, key) must upsert the same row")
	assert.Equal(t, "second", m2.Value)

	got, err := s.GetMemory(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Value)
}

func TestMemory_DifferentKeysAreDistinctRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1, err := s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "a"})
	require.NoError(t, err)
	m2, err := s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k2", Value: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, m1.ID, m2.ID)
}

func TestTick_IdempotencyKeyIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tick := types.Tick{TaskID: "self_check", StartedTS: 100, Success: true, IdempotencyKey: "self_check:100", ResultMeta: map[string]any{}}
	require.NoError(t, s.InsertTick(ctx, tick))
	// A duplicate idempotency key must be a silent no-op, not an error --
	// this is the crash-restart protection the scheduler depends on.
	require.NoError(t, s.InsertTick(ctx, tick))

	exists, err := s.TickExists(ctx, "self_check:100")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestScheduledTask_UpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertScheduledTask(ctx, "self_check", "every:900", 1000))
	require.NoError(t, s.UpsertScheduledTask(ctx, "self_check", "every:60", 2000))

	task, err := s.NextDueTask(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, "every:900", task.Cadence, "a second upsert must not clobber in-flight schedule state")
}

func TestScheduledTask_NextDueTaskReturnsNotFoundWhenNoneDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertScheduledTask(ctx, "self_check", "every:900", 5000))

	_, err := s.NextDueTask(ctx, 1000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNudge_LifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.InsertNudge(ctx, types.Nudge{Kind: "curiosity", Message: "hi", Actions: []types.NudgeAction{{Label: "ok", Cmd: "noop"}}})
	require.NoError(t, err)
	assert.Equal(t, types.NudgeStatusPending, n.Status)

	pending, err := s.ListPendingNudges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.SetNudgeStatus(ctx, n.ID, types.NudgeStatusActed))

	pending, err = s.ListPendingNudges(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNudge_SetStatusOnUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetNudgeStatus(context.Background(), 999, types.NudgeStatusDismissed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReflection_LatestReturnsMostRecentOfKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertReflection(ctx, types.Reflection{Kind: "daily", Content: "old", TS: 100})
	require.NoError(t, err)
	_, err = s.InsertReflection(ctx, types.Reflection{Kind: "daily", Content: "new", TS: 200})
	require.NoError(t, err)

	latest, err := s.LatestReflection(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.Content)
}

func TestSystemFlag_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSystemFlag(ctx, "parking_brake")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSystemFlag(ctx, "parking_brake", `{"engaged":true,"scopes":["global"]}`))
	value, err := s.GetSystemFlag(ctx, "parking_brake")
	require.NoError(t, err)
	assert.JSONEq(t, `{"engaged":true,"scopes":["global"]}`, value)
}

func TestAcquire_ReleaseCheckpointsWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "grows the wal file"})
	require.NoError(t, err)

	conn, release, err := s.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn.DB)

	_, err = conn.DB.ExecContext(ctx, `INSERT INTO memories (kind, key, value, ts, created_at, updated_at) VALUES ('note', 'k2', 'more wal content', 1, '', '')`)
	require.NoError(t, err)

	walPath := path + "-wal"
	walInfo, statErr := os.Stat(walPath)
	walGrewBeforeRelease := statErr == nil && walInfo.Size() > 0

	release()

	info, err := os.Stat(walPath)
	walEmptyAfterRelease := os.IsNotExist(err) || (err == nil && info.Size() == 0)
	assert.True(t, walEmptyAfterRelease, "expected -wal file to be truncated after release")
	_ = walGrewBeforeRelease // documents the precondition the test depends on; not itself asserted

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE key = 'k2'`).Scan(&count))
	assert.Equal(t, 1, count, "writes through the scoped connection must be visible on the shared handle")
}
