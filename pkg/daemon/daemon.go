// Package daemon is the kernel's composition root: it wires the store, the
// FTS index, the parking brake, the event bus, the scheduler, and the
// reflection-window loop into one running process, and exposes the narrow
// surface an outer transport (CLI, HTTP) calls into.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barthlab/kernel/pkg/brake"
	"github.com/barthlab/kernel/pkg/config"
	"github.com/barthlab/kernel/pkg/drives"
	"github.com/barthlab/kernel/pkg/embeddings"
	"github.com/barthlab/kernel/pkg/events"
	"github.com/barthlab/kernel/pkg/fts"
	"github.com/barthlab/kernel/pkg/health"
	"github.com/barthlab/kernel/pkg/log"
	"github.com/barthlab/kernel/pkg/metrics"
	"github.com/barthlab/kernel/pkg/reflectionwindow"
	"github.com/barthlab/kernel/pkg/scheduler"
	"github.com/barthlab/kernel/pkg/store"
	"github.com/barthlab/kernel/pkg/types"
)

const nudgesTopic = "nudges"
const auditTopic = "audit"

// Options configures a Daemon at construction time.
type Options struct {
	DBPath           string
	Config           config.Config
	SpeedFactor      float64
	CadenceOverrides map[string]string // env DRIVE_<ID> overrides; take precedence over Config.Drives
}

// Daemon owns every long-lived subsystem and the background loops
// layered on top of the scheduler: the event consumer, the
// reflection-window checker, and the uptime reporter.
type Daemon struct {
	store      *store.Store
	index      *fts.Index
	brake      *brake.Brake
	bus        *events.Bus
	embed      *embeddings.Manager
	scheduler  *scheduler.Scheduler
	reflection *reflectionwindow.Loop
	cfg        config.Config
	logger     zerolog.Logger

	startedAt time.Time

	mu           sync.Mutex
	consumerStop chan struct{}
	consumerDone chan struct{}
	uptimeStop   chan struct{}
	uptimeDone   chan struct{}
}

// New opens the store and wires every subsystem together. It does not
// start any background loop; call Start for that.
func New(ctx context.Context, opts Options) (*Daemon, error) {
	s, err := store.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	idx, err := fts.New(ctx, s.DB(), opts.Config.Retrieval.FTSTokenizer)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("daemon: init fts index: %w", err)
	}

	d := &Daemon{
		store:  s,
		index:  idx,
		bus:    events.NewBus(),
		embed:  embeddings.New(s.DB()),
		cfg:    opts.Config,
		logger: log.WithComponent("daemon"),
	}

	brk, err := brake.New(ctx, s, &auditSink{store: s, bus: d.bus})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("daemon: init parking brake: %w", err)
	}
	d.brake = brk

	cadences := map[string]string{}
	for id, c := range opts.Config.Drives {
		cadences[id] = c
	}
	for id, c := range opts.CadenceOverrides {
		cadences[id] = c
	}

	specs := make([]scheduler.DriveSpec, 0, len(drives.Registry))
	for id, entry := range drives.Registry {
		specs = append(specs, scheduler.DriveSpec{
			ID:             id,
			DefaultCadence: entry.DefaultCadence,
			Fn:             d.wrapDrive(entry.Fn),
		})
	}

	d.scheduler = scheduler.New(&nudgePublishingStore{Store: s, bus: d.bus}, d.brake, specs, cadences, opts.SpeedFactor)

	start, end, werr := splitNightlyWindow(opts.Config.Dreaming.NightlyWindow)
	if werr != nil {
		s.Close()
		return nil, fmt.Errorf("daemon: parse nightly window: %w", werr)
	}
	d.reflection = reflectionwindow.New(s, d, reflectionwindow.Config{
		Timezone:           opts.Config.Location(),
		NightlyWindowStart: start,
		NightlyWindowEnd:   end,
		WeeklyWeekday:      reflectionwindow.ParseWeekday(opts.Config.Dreaming.Weekly.Weekday),
		WeeklyTime:         opts.Config.Dreaming.Weekly.Time,
	})

	return d, nil
}

func splitNightlyWindow(s string) (start, end string, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected HH:MM-HH:MM, got %q", s)
	}
	return parts[0], parts[1], nil
}

// wrapDrive adapts a drives.Fn into a scheduler.DriveFunc bound to this
// daemon's Capabilities implementation.
func (d *Daemon) wrapDrive(fn drives.Fn) scheduler.DriveFunc {
	return func(ctx context.Context) (*types.Nudge, error) {
		return fn(ctx, d)
	}
}

// --- drives.Capabilities ---

// Metrics satisfies both drives.Capabilities and reflectionwindow.MetricsSource.
func (d *Daemon) Metrics(ctx context.Context) (health.Metrics, error) {
	m := health.GetSystemMetrics(ctx, d.store)
	metrics.KernelPendingNudges.Set(float64(m.PendingNudges))
	return m, nil
}

func (d *Daemon) InsertReflection(ctx context.Context, r types.Reflection) error {
	_, err := d.store.InsertReflection(ctx, r)
	return err
}

func (d *Daemon) OptimizeIndex(ctx context.Context) error {
	return d.index.Optimize(ctx)
}

// --- lifecycle ---

// Start launches the scheduler, the reflection-window loop, and the
// "nudges" event consumer that logs nudges as they are published.
func (d *Daemon) Start(ctx context.Context) error {
	d.startedAt = time.Now()

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("daemon: start scheduler: %w", err)
	}
	d.reflection.Start(ctx)
	d.startEventConsumer()
	d.startUptimeReporter()

	d.logger.Info().Str("db", d.store.Path()).Msg("kernel daemon started")
	return nil
}

// Shutdown stops every background loop and checkpoints the store.
func (d *Daemon) Shutdown() error {
	d.scheduler.Stop()
	d.reflection.Stop()
	d.stopEventConsumer()
	d.stopUptimeReporter()
	d.bus.Close()
	return d.store.Close()
}

func (d *Daemon) startEventConsumer() {
	d.mu.Lock()
	d.consumerStop = make(chan struct{})
	d.consumerDone = make(chan struct{})
	stop, done := d.consumerStop, d.consumerDone
	d.mu.Unlock()

	ch, cancel := d.bus.Subscribe(nudgesTopic)
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				d.logger.Info().
					Str("kind", fmt.Sprintf("%v", evt.Payload["kind"])).
					Str("message", fmt.Sprintf("%v", evt.Payload["message"])).
					Msg("nudge published")
			case <-stop:
				return
			}
		}
	}()
}

func (d *Daemon) stopEventConsumer() {
	d.mu.Lock()
	stop, done := d.consumerStop, d.consumerDone
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("event consumer did not stop within timeout")
	}
}

func (d *Daemon) startUptimeReporter() {
	d.uptimeStop = make(chan struct{})
	d.uptimeDone = make(chan struct{})
	go func() {
		defer close(d.uptimeDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.KernelUptimeSeconds.Set(time.Since(d.startedAt).Seconds())
			case <-d.uptimeStop:
				return
			}
		}
	}()
}

func (d *Daemon) stopUptimeReporter() {
	if d.uptimeStop == nil {
		return
	}
	close(d.uptimeStop)
	<-d.uptimeDone
}

// --- public operations (HTTP surface consumed from the core) ---

// ListPendingNudges returns up to limit pending nudges, oldest first.
func (d *Daemon) ListPendingNudges(ctx context.Context, limit int) ([]types.Nudge, error) {
	return d.store.ListPendingNudges(ctx, limit)
}

// SetNudgeStatus transitions a nudge to acted or dismissed.
func (d *Daemon) SetNudgeStatus(ctx context.Context, id int64, status types.NudgeStatus) error {
	return d.store.SetNudgeStatus(ctx, id, status)
}

// LatestReflection fetches the most recent reflection of a given kind.
func (d *Daemon) LatestReflection(ctx context.Context, kind string) (types.Reflection, error) {
	return d.store.LatestReflection(ctx, kind)
}

// RunCommand executes one of the kernel's named on-demand commands. It
// recognizes only the two reflection triggers; anything else, including
// the water_log_* family named in the HTTP surface, is out of scope for
// this core and returns an error naming it unsupported.
func (d *Daemon) RunCommand(ctx context.Context, name string) error {
	switch name {
	case "reflection_run_daily":
		return d.reflection.RunDailyNow(ctx)
	case "reflection_run_weekly":
		return d.reflection.RunWeeklyNow(ctx)
	default:
		return fmt.Errorf("daemon: unsupported command %q", name)
	}
}

// HealthSummary is the {kernel_online, last_beat, db_path,
// nudges_pending_count, last_daily_reflection?} snapshot.
type HealthSummary struct {
	KernelOnline        bool
	LastBeat            time.Time
	DBPath              string
	NudgesPendingCount  int
	LastDailyReflection *int64
}

// HealthSummary reports the point-in-time operational snapshot.
func (d *Daemon) HealthSummary(ctx context.Context) HealthSummary {
	m := health.GetSystemMetrics(ctx, d.store)
	return HealthSummary{
		KernelOnline:        m.DBOk,
		LastBeat:            time.Now(),
		DBPath:              d.store.Path(),
		NudgesPendingCount:  m.PendingNudges,
		LastDailyReflection: m.LastDailyReflectionTS,
	}
}

// EmbeddingsStats reports counts and configuration for `embeddings stats`.
func (d *Daemon) EmbeddingsStats(ctx context.Context) (embeddings.Stats, error) {
	return d.embed.Stats(ctx)
}

// EmbeddingsRebuildVSS rebuilds the optional vector shadow table.
func (d *Daemon) EmbeddingsRebuildVSS(ctx context.Context) (int, error) {
	return d.embed.RebuildVSS(ctx)
}

// Brake exposes the parking brake for the CLI's brake subcommands.
func (d *Daemon) Brake() *brake.Brake { return d.brake }

// auditSink records every parking-brake state transition as a
// kind="safety.audit" Memory row, the same BrakeStorage.append_memory
// durable trail parking_brake.py keeps, and additionally publishes the
// transition onto the event bus so an in-process subscriber can react to
// it without re-reading the store.
type auditSink struct {
	store *store.Store
	bus   *events.Bus
}

func (a *auditSink) RecordAudit(ctx context.Context, action string, scopes []string) error {
	now := time.Now().UTC()
	value, err := json.Marshal(map[string]any{"action": action, "scopes": scopes})
	if err != nil {
		return fmt.Errorf("auditSink: marshal audit payload: %w", err)
	}
	_, err = a.store.UpsertMemory(ctx, types.Memory{
		Kind:  "safety.audit",
		Key:   fmt.Sprintf("%d::%s", now.Unix(), action),
		Value: string(value),
		TS:    now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("auditSink: record memory: %w", err)
	}

	a.bus.Publish(events.NewEvent(auditTopic, map[string]any{
		"action": action,
		"scopes": scopes,
	}))
	return nil
}

// nudgePublishingStore wraps store.Store so every nudge persisted by the
// scheduler is also published on the "nudges" topic for the event
// consumer loop to observe.
type nudgePublishingStore struct {
	*store.Store
	bus *events.Bus
}

func (n *nudgePublishingStore) InsertNudge(ctx context.Context, nudge types.Nudge) (types.Nudge, error) {
	saved, err := n.Store.InsertNudge(ctx, nudge)
	if err != nil {
		return saved, err
	}
	n.bus.Publish(events.NewEvent(nudgesTopic, map[string]any{
		"id":      saved.ID,
		"kind":    saved.Kind,
		"message": saved.Message,
	}))
	return saved, nil
}
