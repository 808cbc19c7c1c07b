package reflectionwindow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barthlab/kernel/pkg/health"
	"github.com/barthlab/kernel/pkg/types"
)

type fakeStore struct {
	reflections []types.Reflection
}

func (f *fakeStore) InsertReflection(ctx context.Context, r types.Reflection) (types.Reflection, error) {
	f.reflections = append(f.reflections, r)
	r.ID = int64(len(f.reflections))
	return r, nil
}

type fakeMetrics struct{ m health.Metrics }

func (f *fakeMetrics) Metrics(ctx context.Context) (health.Metrics, error) { return f.m, nil }

func TestShouldRunDaily_InsideWindowAndNotYetRunToday(t *testing.T) {
	now := time.Date(2026, 8, 1, 21, 30, 0, 0, time.UTC)
	due, err := shouldRunDaily(now, "", "21:00", "23:00")
	require.NoError(t, err)
	assert.True(t, due)
}

func TestShouldRunDaily_OutsideWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	due, err := shouldRunDaily(now, "", "21:00", "23:00")
	require.NoError(t, err)
	assert.False(t, due)
}

func TestShouldRunDaily_AlreadyRanToday(t *testing.T) {
	now := time.Date(2026, 8, 1, 21, 30, 0, 0, time.UTC)
	due, err := shouldRunDaily(now, "2026-08-01", "21:00", "23:00")
	require.NoError(t, err)
	assert.False(t, due)
}

func TestShouldRunWeekly_WrongWeekday(t *testing.T) {
	// 2026-08-01 is a Saturday.
	now := time.Date(2026, 8, 1, 21, 45, 0, 0, time.UTC)
	due, err := shouldRunWeekly(now, "", time.Sunday, "21:30")
	require.NoError(t, err)
	assert.False(t, due)
}

func TestShouldRunWeekly_WithinToleranceWindow(t *testing.T) {
	// 2026-08-02 is a Sunday.
	now := time.Date(2026, 8, 2, 22, 15, 0, 0, time.UTC)
	due, err := shouldRunWeekly(now, "", time.Sunday, "21:30")
	require.NoError(t, err)
	assert.True(t, due)
}

func TestShouldRunWeekly_PastToleranceWindow(t *testing.T) {
	now := time.Date(2026, 8, 2, 22, 45, 0, 0, time.UTC)
	due, err := shouldRunWeekly(now, "", time.Sunday, "21:30")
	require.NoError(t, err)
	assert.False(t, due)
}

func TestShouldRunWeekly_AlreadyRanToday(t *testing.T) {
	now := time.Date(2026, 8, 2, 22, 0, 0, 0, time.UTC)
	due, err := shouldRunWeekly(now, "2026-08-02", time.Sunday, "21:30")
	require.NoError(t, err)
	assert.False(t, due)
}

func TestLoop_CheckInsertsDailyReflectionOnce(t *testing.T) {
	store := &fakeStore{}
	cfg := Config{Timezone: time.UTC, NightlyWindowStart: "21:00", NightlyWindowEnd: "23:00", WeeklyWeekday: time.Monday, WeeklyTime: "00:00"}
	loop := New(store, &fakeMetrics{m: health.Metrics{PendingNudges: 5}}, cfg)

	now := time.Date(2026, 8, 1, 21, 30, 0, 0, time.UTC) // Saturday, not the weekly weekday
	require.NoError(t, loop.check(context.Background(), now))
	require.Len(t, store.reflections, 1)
	assert.Equal(t, "daily_journal", store.reflections[0].Kind)
	assert.Contains(t, store.reflections[0].Content, "Pending nudges outstanding: 5")

	// A second check within the same day and window must not duplicate.
	require.NoError(t, loop.check(context.Background(), now.Add(10*time.Minute)))
	assert.Len(t, store.reflections, 1)
}

func TestLoop_CheckInsertsWeeklyReflectionPinned(t *testing.T) {
	store := &fakeStore{}
	cfg := Config{Timezone: time.UTC, NightlyWindowStart: "03:00", NightlyWindowEnd: "03:01", WeeklyWeekday: time.Sunday, WeeklyTime: "21:30"}
	loop := New(store, &fakeMetrics{}, cfg)

	now := time.Date(2026, 8, 2, 21, 45, 0, 0, time.UTC)
	require.NoError(t, loop.check(context.Background(), now))
	require.Len(t, store.reflections, 1)
	assert.Equal(t, "weekly_alignment_audit", store.reflections[0].Kind)
	assert.True(t, store.reflections[0].Pinned)
}

func TestParseWeekday_RecognizesAbbreviations(t *testing.T) {
	assert.Equal(t, time.Monday, ParseWeekday("Mon"))
	assert.Equal(t, time.Sunday, ParseWeekday("Sun"))
	assert.Equal(t, time.Sunday, ParseWeekday("nonsense"))
}
