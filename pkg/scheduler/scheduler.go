// Package scheduler runs the kernel's drives on their configured
// cadences: one goroutine polling for the next due task, executing it
// behind the parking brake, and persisting the tick/nudge/next-run
// bookkeeping that makes the cycle crash-safe.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barthlab/kernel/pkg/brake"
	"github.com/barthlab/kernel/pkg/cadence"
	"github.com/barthlab/kernel/pkg/log"
	"github.com/barthlab/kernel/pkg/metrics"
	"github.com/barthlab/kernel/pkg/types"
)

// DriveFunc executes one occurrence of a drive. It returns an optional
// Nudge to surface and an error if the drive failed.
type DriveFunc func(ctx context.Context) (*types.Nudge, error)

// DriveSpec registers one drive with its default cadence.
type DriveSpec struct {
	ID             string
	DefaultCadence string
	Fn             DriveFunc
}

// Store is the persistence surface the scheduler needs.
type Store interface {
	UpsertScheduledTask(ctx context.Context, id, cadence string, nowTS int64) error
	NextDueTask(ctx context.Context, nowTS int64) (types.ScheduledTask, error)
	UpdateNextRun(ctx context.Context, id string, nextRunTS, lastRunTS int64, windowState *string) error
	TickExists(ctx context.Context, idempotencyKey string) (bool, error)
	InsertTick(ctx context.Context, t types.Tick) error
	InsertNudge(ctx context.Context, n types.Nudge) (types.Nudge, error)
}

// Brake is the safety gate the scheduler checks before invoking a drive.
type Brake interface {
	IsBlocked(scope string) bool
}

// Scheduler drives the autonomy loop: poll for the next due task,
// execute it (unless the brake blocks the scheduler scope), persist
// the tick, and recompute the next run time.
type Scheduler struct {
	store        Store
	brake        Brake
	drives       map[string]DriveSpec
	speedFactor  float64
	idleInterval time.Duration
	rng          *rand.Rand

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler. cadenceOverrides maps drive ID to a cadence
// string that overrides DriveSpec.DefaultCadence (env/config
// resolution happens in the caller, per spec §4.4 resolution order
// env > config > registry default).
func New(store Store, brake Brake, specs []DriveSpec, cadenceOverrides map[string]string, speedFactor float64) *Scheduler {
	if speedFactor <= 0 {
		speedFactor = 1.0
	}
	drives := make(map[string]DriveSpec, len(specs))
	for _, spec := range specs {
		if override, ok := cadenceOverrides[spec.ID]; ok && override != "" {
			spec.DefaultCadence = override
		}
		drives[spec.ID] = spec
	}
	return &Scheduler{
		store:        store,
		brake:        brake,
		drives:       drives,
		speedFactor:  speedFactor,
		idleInterval: 5 * time.Second,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:       log.WithComponent("scheduler"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start registers every drive's scheduled task row (if missing) and
// begins the polling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	now := time.Now().Unix()
	for id, spec := range s.drives {
		if err := s.store.UpsertScheduledTask(ctx, id, spec.DefaultCadence, now); err != nil {
			return fmt.Errorf("scheduler: register %s: %w", id, err)
		}
	}
	s.logger.Info().Int("drives", len(s.drives)).Msg("autonomy loop started")
	go s.run(ctx)
	return nil
}

// Stop signals the loop to exit and blocks up to 5 seconds for it to
// finish its current cycle.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("scheduler stop timed out waiting for loop to exit")
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			s.logger.Info().Msg("autonomy loop stopped")
			return
		case <-ctx.Done():
			return
		default:
		}

		advanced, err := s.cycle(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("unexpected error in scheduler cycle")
			sleepOrStop(s.stopCh, 5*time.Second)
			continue
		}
		if !advanced {
			sleepOrStop(s.stopCh, s.idleInterval)
		}
	}
}

func sleepOrStop(stopCh <-chan struct{}, d time.Duration) {
	select {
	case <-time.After(d):
	case <-stopCh:
	}
}

// cycle runs one scheduling pass. It returns advanced=false when no
// task was due, so the caller can idle instead of busy-looping.
func (s *Scheduler) cycle(ctx context.Context) (advanced bool, err error) {
	nowTS := time.Now().Unix()

	task, err := s.store.NextDueTask(ctx, nowTS)
	if err != nil {
		return false, nil // ErrNotFound: nothing due
	}

	scheduledTS := task.NextRunTS
	idempotencyKey := fmt.Sprintf("%s:%d", task.ID, scheduledTS)

	if exists, _ := s.store.TickExists(ctx, idempotencyKey); exists {
		s.advanceSchedule(ctx, task, scheduledTS, nowTS)
		return true, nil
	}

	spec, ok := s.drives[task.ID]
	if !ok {
		s.logger.Warn().Str("task_id", task.ID).Msg("scheduled task has no registered drive, skipping")
		s.advanceSchedule(ctx, task, scheduledTS, nowTS)
		return true, nil
	}

	startedTS := time.Now().Unix()
	tick := types.Tick{TaskID: task.ID, StartedTS: startedTS, IdempotencyKey: idempotencyKey, ResultMeta: map[string]any{}}

	if s.brake != nil && s.brake.IsBlocked(string(types.ScopeScheduler)) {
		tick.Success = false
		tick.ResultMeta["reason"] = "brake"
		tick.ResultMeta["error"] = brake.ErrBlocked.Error()
		metrics.KernelTickFailuresTotal.WithLabelValues(task.ID, "brake_blocked").Inc()
		s.logger.Warn().Str("drive", task.ID).Msg("scheduler scope blocked by parking brake, skipping tick")
	} else {
		timer := metrics.NewTimer()
		nudge, execErr := s.execDrive(ctx, spec)
		timer.ObserveDurationVec(metrics.KernelTickDuration, task.ID)

		if execErr != nil {
			tick.Success = false
			tick.ResultMeta["error"] = execErr.Error()
			metrics.KernelTickFailuresTotal.WithLabelValues(task.ID, "error").Inc()
			s.logger.Error().Err(execErr).Str("drive", task.ID).Msg("drive execution failed")
		} else {
			tick.Success = true
			if nudge != nil {
				if _, err := s.store.InsertNudge(ctx, *nudge); err != nil {
					s.logger.Error().Err(err).Str("drive", task.ID).Msg("failed to persist nudge")
				}
			}
		}
	}

	finishedTS := time.Now().Unix()
	tick.FinishedTS = &finishedTS
	metrics.KernelTicksTotal.WithLabelValues(task.ID).Inc()

	if err := s.store.InsertTick(ctx, tick); err != nil {
		s.logger.Error().Err(err).Str("drive", task.ID).Msg("failed to persist tick")
	}

	// next_run_ts advances regardless of brake-blocked or failed ticks:
	// a stuck brake must not pile up an unbounded backlog of due tasks.
	s.advanceSchedule(ctx, task, scheduledTS, nowTS)

	s.logger.Info().
		Str("drive", task.ID).
		Bool("ok", tick.Success).
		Int64("dur_ms", (finishedTS-startedTS)*1000).
		Msg("tick complete")
	return true, nil
}

func (s *Scheduler) execDrive(ctx context.Context, spec DriveSpec) (nudge *types.Nudge, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("drive panicked: %v", r)
		}
	}()
	return spec.Fn(ctx)
}

func (s *Scheduler) advanceSchedule(ctx context.Context, task types.ScheduledTask, scheduledTS, nowTS int64) {
	nextTS, newWindowState, err := cadence.ComputeNextRun(&scheduledTS, task.Cadence, nowTS, task.WindowState, s.speedFactor, s.rng)
	if err != nil {
		s.logger.Error().Err(err).Str("drive", task.ID).Msg("failed to compute next run, backing off 60s")
		nextTS = nowTS + 60
	}
	if err := s.store.UpdateNextRun(ctx, task.ID, nextTS, scheduledTS, newWindowState); err != nil {
		s.logger.Error().Err(err).Str("drive", task.ID).Msg("failed to persist next run")
	}
}
