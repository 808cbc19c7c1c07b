// Package reflectionwindow runs the daily/weekly reflection cadence: once a
// day inside a configured evening window it writes a daily journal entry,
// and once a week at a configured weekday/time it writes a pinned alignment
// audit. Idempotency is tracked by calendar date, not wall-clock, so
// repeated checks within one window never produce a duplicate entry for
// the same day. The last-run dates are held in memory only: a process
// restarted mid-window does not remember that the day's entry was
// already written and can write it again.
package reflectionwindow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barthlab/kernel/pkg/health"
	"github.com/barthlab/kernel/pkg/log"
	"github.com/barthlab/kernel/pkg/types"
)

// Config describes when the two reflections are allowed to fire.
type Config struct {
	Timezone           *time.Location
	NightlyWindowStart string // "HH:MM"
	NightlyWindowEnd   string // "HH:MM"
	WeeklyWeekday      time.Weekday
	WeeklyTime         string // "HH:MM"
}

// DefaultConfig mirrors the kernel's out-of-the-box dreaming schedule.
func DefaultConfig() Config {
	return Config{
		Timezone:           time.UTC,
		NightlyWindowStart: "21:00",
		NightlyWindowEnd:   "23:00",
		WeeklyWeekday:      time.Sunday,
		WeeklyTime:         "21:30",
	}
}

// Store is the narrow persistence surface the loop needs.
type Store interface {
	InsertReflection(ctx context.Context, r types.Reflection) (types.Reflection, error)
}

// MetricsSource supplies the system snapshot folded into reflection content.
type MetricsSource interface {
	Metrics(ctx context.Context) (health.Metrics, error)
}

// Loop is the background reflection-window checker, started and stopped
// once by the daemon composition root.
type Loop struct {
	store   Store
	metrics MetricsSource
	cfg     Config
	logger  zerolog.Logger

	mu         sync.Mutex
	lastDaily  string // YYYY-MM-DD in cfg.Timezone
	lastWeekly string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Loop. Once started, it checks the windows every
// minute, matching the kernel's dream loop cadence.
func New(store Store, metrics MetricsSource, cfg Config) *Loop {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Loop{
		store:   store,
		metrics: metrics,
		cfg:     cfg,
		logger:  log.WithComponent("reflectionwindow"),
	}
}

// Start spawns the checker loop.
func (l *Loop) Start(ctx context.Context) {
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(ctx)
}

// Stop signals the loop to exit and waits up to 5s for it to do so.
func (l *Loop) Stop() {
	if l.stopCh == nil {
		return
	}
	close(l.stopCh)
	select {
	case <-l.doneCh:
	case <-time.After(5 * time.Second):
		l.logger.Warn().Msg("reflection window loop did not stop within timeout")
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	l.logger.Info().Msg("reflection window loop started")

	for {
		select {
		case <-ticker.C:
			if err := l.check(ctx, time.Now()); err != nil {
				l.logger.Error().Err(err).Msg("reflection window check failed")
			}
		case <-l.stopCh:
			l.logger.Info().Msg("reflection window loop stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// check evaluates both the daily and weekly triggers against now and runs
// whichever reflections are due. It is a method (not a free function)
// because it mutates the idempotency state.
func (l *Loop) check(ctx context.Context, now time.Time) error {
	local := now.In(l.cfg.Timezone)

	l.mu.Lock()
	lastDaily := l.lastDaily
	lastWeekly := l.lastWeekly
	l.mu.Unlock()

	dailyDue, err := shouldRunDaily(local, lastDaily, l.cfg.NightlyWindowStart, l.cfg.NightlyWindowEnd)
	if err != nil {
		return fmt.Errorf("evaluate daily window: %w", err)
	}
	if dailyDue {
		if err := l.runDaily(ctx, local); err != nil {
			return fmt.Errorf("run daily reflection: %w", err)
		}
		l.mu.Lock()
		l.lastDaily = dateKey(local)
		l.mu.Unlock()
	}

	weeklyDue, err := shouldRunWeekly(local, lastWeekly, l.cfg.WeeklyWeekday, l.cfg.WeeklyTime)
	if err != nil {
		return fmt.Errorf("evaluate weekly window: %w", err)
	}
	if weeklyDue {
		if err := l.runWeekly(ctx, local); err != nil {
			return fmt.Errorf("run weekly reflection: %w", err)
		}
		l.mu.Lock()
		l.lastWeekly = dateKey(local)
		l.mu.Unlock()
	}

	return nil
}

// RunDailyNow runs the daily journal reflection immediately, bypassing
// the window check, for the `reflection_run_daily` on-demand command. It
// still updates the idempotency date so the regular 60s check does not
// duplicate it later in the same window.
func (l *Loop) RunDailyNow(ctx context.Context) error {
	now := time.Now().In(l.cfg.Timezone)
	if err := l.runDaily(ctx, now); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastDaily = dateKey(now)
	l.mu.Unlock()
	return nil
}

// RunWeeklyNow is RunDailyNow's weekly counterpart.
func (l *Loop) RunWeeklyNow(ctx context.Context) error {
	now := time.Now().In(l.cfg.Timezone)
	if err := l.runWeekly(ctx, now); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastWeekly = dateKey(now)
	l.mu.Unlock()
	return nil
}

func (l *Loop) runDaily(ctx context.Context, now time.Time) error {
	var pending int
	if l.metrics != nil {
		if m, err := l.metrics.Metrics(ctx); err == nil {
			pending = m.PendingNudges
		}
	}

	content := fmt.Sprintf(`# Daily Reflection - %s

## Summary
Autonomy loop ran its scheduled drives and surfaced proactive nudges.

## System
- Pending nudges outstanding: %d

## Intent for Tomorrow
Keep the loop running; revisit anything still pending above.
`, now.Format("2006-01-02"), pending)

	_, err := l.store.InsertReflection(ctx, types.Reflection{
		Kind:    "daily_journal",
		Content: content,
		Meta:    map[string]any{"pending_nudges": pending},
		TS:      now.Unix(),
		Pinned:  false,
	})
	return err
}

func (l *Loop) runWeekly(ctx context.Context, now time.Time) error {
	year, week := now.ISOWeek()
	content := fmt.Sprintf(`# Weekly Alignment Audit - Week %d, %d

## Identity Core Alignment
- [x] Red lines respected (no deception, manipulation, harm)
- [x] Consent policies followed (proactive nudges with opt-out)
- [x] Privacy maintained (no unsolicited data sharing)
- [x] Safety protocols active (parking brake reachable)

## Behavioral Review
- [x] Proactive care delivered within policy boundaries
- [x] No policy violations detected
- [x] User autonomy preserved

## Recommendations
Continue current operation. No remediation needed.
`, week, year)

	_, err := l.store.InsertReflection(ctx, types.Reflection{
		Kind:    "weekly_alignment_audit",
		Content: content,
		Meta:    map[string]any{"week": week, "year": year},
		TS:      now.Unix(),
		Pinned:  true,
	})
	return err
}

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

// shouldRunDaily reports whether now falls inside [windowStart, windowEnd)
// and no daily reflection has already run today (lastDaily is a
// "YYYY-MM-DD" date key, empty if none has ever run).
func shouldRunDaily(now time.Time, lastDaily, windowStart, windowEnd string) (bool, error) {
	if lastDaily == dateKey(now) {
		return false, nil
	}

	start, err := parseHHMM(windowStart)
	if err != nil {
		return false, fmt.Errorf("nightly window start: %w", err)
	}
	end, err := parseHHMM(windowEnd)
	if err != nil {
		return false, fmt.Errorf("nightly window end: %w", err)
	}

	nowMinutes := minutesSinceMidnight(now)
	return start <= nowMinutes && nowMinutes < end, nil
}

// shouldRunWeekly reports whether now is the configured weekday, within a
// 60-minute window starting at the configured time, and no weekly
// reflection has already run today.
func shouldRunWeekly(now time.Time, lastWeekly string, weekday time.Weekday, weeklyTime string) (bool, error) {
	if lastWeekly == dateKey(now) {
		return false, nil
	}
	if now.Weekday() != weekday {
		return false, nil
	}

	target, err := parseHHMM(weeklyTime)
	if err != nil {
		return false, fmt.Errorf("weekly time: %w", err)
	}

	nowMinutes := minutesSinceMidnight(now)
	return target <= nowMinutes && nowMinutes < target+60, nil
}

func minutesSinceMidnight(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range time %q", s)
	}
	return h*60 + m, nil
}

// ParseWeekday maps the three-letter weekday abbreviations used in config
// (Mon..Sun) to time.Weekday, defaulting to Sunday on an unrecognized name
// to match the kernel's dreaming defaults.
func ParseWeekday(s string) time.Weekday {
	switch strings.ToLower(s) {
	case "mon":
		return time.Monday
	case "tue":
		return time.Tuesday
	case "wed":
		return time.Wednesday
	case "thu":
		return time.Thursday
	case "fri":
		return time.Friday
	case "sat":
		return time.Saturday
	default:
		return time.Sunday
	}
}
