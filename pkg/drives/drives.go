// Package drives holds the built-in autonomy drives: small functions the
// scheduler invokes on a cadence to check in on the system, nudge the user,
// or do quiet maintenance. Each drive only ever sees the narrow Capabilities
// interface, never the daemon itself.
package drives

import (
	"context"
	"fmt"
	"time"

	"github.com/barthlab/kernel/pkg/health"
	"github.com/barthlab/kernel/pkg/types"
)

// Capabilities is everything a drive is allowed to touch. It is
// deliberately narrower than the daemon it is usually backed by.
type Capabilities interface {
	Metrics(ctx context.Context) (health.Metrics, error)
	InsertReflection(ctx context.Context, r types.Reflection) error
	OptimizeIndex(ctx context.Context) error
}

// Fn is the signature every drive implements.
type Fn func(ctx context.Context, caps Capabilities) (*types.Nudge, error)

// Entry pairs a drive with the cadence it runs under absent an override.
type Entry struct {
	Fn             Fn
	DefaultCadence string
}

// Registry is the compile-time dispatch table of built-in drives, keyed by
// drive ID. It is populated once in init and never written to afterward.
var Registry = map[string]Entry{}

func register(id string, fn Fn, defaultCadence string) {
	Registry[id] = Entry{Fn: fn, DefaultCadence: defaultCadence}
}

func init() {
	register("self_check", SelfCheck, "every:900")
	register("curiosity_probe", CuriosityProbe, "window:3600:2")
	register("reflection_micro", ReflectionMicro, "every:7200")
	register("fts_optimize", FTSOptimize, "every:604800")
}

// SelfCheck collects system metrics and, if any drift rule trips, emits a
// system_health nudge describing it.
func SelfCheck(ctx context.Context, caps Capabilities) (*types.Nudge, error) {
	metrics, err := caps.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("self_check: collect metrics: %w", err)
	}

	drift := health.CheckDrift(metrics, time.Now())
	if len(drift) == 0 {
		return nil, nil
	}

	return &types.Nudge{
		Kind:      "system_health",
		Message:   fmt.Sprintf("System drift detected: %v", drift),
		Reason:    "self_check_drift",
		Actions:   []types.NudgeAction{},
		Status:    types.NudgeStatusPending,
		CreatedTS: time.Now().Unix(),
	}, nil
}

var curiosityPrompts = []string{
	"What's one thing you learned today?",
	"How are you feeling right now?",
	"Any highlights from today worth remembering?",
}

// CuriosityProbe emits a gentle, rotating prompt to encourage engagement.
// The prompt index is a deterministic function of wall-clock time so the
// same hour always surfaces the same question.
func CuriosityProbe(ctx context.Context, caps Capabilities) (*types.Nudge, error) {
	idx := int(time.Now().Unix()/3600) % len(curiosityPrompts)
	return &types.Nudge{
		Kind:    "curiosity",
		Message: curiosityPrompts[idx],
		Reason:  "curiosity_probe",
		Actions: []types.NudgeAction{
			{Label: "Reflect", Cmd: "open_journal"},
			{Label: "Later", Cmd: "dismiss"},
		},
		Status:    types.NudgeStatusPending,
		CreatedTS: time.Now().Unix(),
	}, nil
}

// ReflectionMicro inserts a lightweight snapshot of current system metrics
// as a reflection. It never emits a nudge.
func ReflectionMicro(ctx context.Context, caps Capabilities) (*types.Nudge, error) {
	metrics, err := caps.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("reflection_micro: collect metrics: %w", err)
	}

	lastDaily := "None"
	if metrics.LastDailyReflectionTS != nil {
		lastDaily = fmt.Sprintf("%d", *metrics.LastDailyReflectionTS)
	}

	content := fmt.Sprintf(`# Micro-Reflection

System health snapshot:
- Database: %s
- Pending nudges: %d
- Last daily reflection: %s

Status: Autonomy loop active
`, dbStatus(metrics.DBOk), metrics.PendingNudges, lastDaily)

	err = caps.InsertReflection(ctx, types.Reflection{
		Kind:    "micro_reflection",
		Content: content,
		Meta: map[string]any{
			"db_ok":                    metrics.DBOk,
			"pending_nudges":           metrics.PendingNudges,
			"last_daily_reflection_ts": metrics.LastDailyReflectionTS,
		},
		TS:     time.Now().Unix(),
		Pinned: false,
	})
	if err != nil {
		return nil, fmt.Errorf("reflection_micro: insert reflection: %w", err)
	}
	return nil, nil
}

func dbStatus(ok bool) string {
	if ok {
		return "OK"
	}
	return "Error"
}

// FTSOptimize merges FTS segments to reduce fragmentation. It never emits
// a nudge; maintenance runs silently unless it fails.
func FTSOptimize(ctx context.Context, caps Capabilities) (*types.Nudge, error) {
	if err := caps.OptimizeIndex(ctx); err != nil {
		return nil, fmt.Errorf("fts_optimize: %w", err)
	}
	return nil, nil
}
