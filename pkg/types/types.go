// Package types defines the shared data model persisted by the kernel's
// store: memories, scheduled tasks, ticks, nudges, reflections, and the
// parking-brake flag.
package types

import "time"

// Memory is a single retrievable unit of durable context: a note, an
// observation, a reflection, or any other piece of text the kernel has
// decided is worth keeping and searching later. (Kind, Key) is unique;
// upserting an existing pair replaces Value, Summary, and TS.
type Memory struct {
	ID        int64
	Kind      string
	Key       string
	Value     string
	Summary   string
	TS        int64
	Source    string
	Tags      []string
	Pinned    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledTask is a drive's persisted cadence state: when it last ran,
// when it is next due, and (for window cadences) how far through the
// current window it has progressed.
type ScheduledTask struct {
	ID          string
	Cadence     string
	NextRunTS   int64
	LastRunTS   *int64
	WindowState *string
}

// Tick is an append-only execution record for one scheduled occurrence of
// a drive. The IdempotencyKey uniquely identifies the occurrence
// ("task_id:scheduled_ts") and is used to detect and skip re-execution
// after a crash mid-cycle.
type Tick struct {
	ID             int64
	TaskID         string
	StartedTS      int64
	FinishedTS     *int64
	Success        bool
	IdempotencyKey string
	ResultMeta     map[string]any
}

// NudgeAction is one suggested response a consumer of a Nudge may take.
type NudgeAction struct {
	Label string
	Cmd   string
}

// NudgeStatus is the lifecycle state of a Nudge.
type NudgeStatus string

const (
	NudgeStatusPending   NudgeStatus = "pending"
	NudgeStatusActed     NudgeStatus = "acted"
	NudgeStatusDismissed NudgeStatus = "dismissed"
)

// Nudge is a proactive suggestion surfaced by a drive, awaiting the
// consent-gated attention of whatever sits downstream of the core.
type Nudge struct {
	ID        int64
	Kind      string
	Message   string
	Reason    string
	Actions   []NudgeAction
	Status    NudgeStatus
	CreatedTS int64
	ActedTS   *int64
}

// Reflection is a longer-form journal entry, either generated by a drive
// (micro-reflection, daily journal, weekly alignment audit) or triggered
// on demand.
type Reflection struct {
	ID      int64
	Kind    string
	Content string
	Meta    map[string]any
	TS      int64
	Pinned  bool
}

// BrakeScope names one subsystem that a parking-brake engagement can
// independently block. ScopeGlobal supersedes every other scope.
type BrakeScope string

const (
	ScopeGlobal    BrakeScope = "global"
	ScopeSkills    BrakeScope = "skills"
	ScopeSight     BrakeScope = "sight"
	ScopeVoice     BrakeScope = "voice"
	ScopeScheduler BrakeScope = "scheduler"
)

// SystemFlag is the single persisted row backing the parking brake: a
// JSON-encoded engaged/scopes pair, stored under a well-known key.
type SystemFlag struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// FTSRow is a shadow row in the full-text index whose rowid equals the
// id of the Memory it mirrors.
type FTSRow struct {
	RowID   int64
	Value   string
	Summary string
}
