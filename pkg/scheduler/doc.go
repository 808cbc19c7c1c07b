// Package scheduler is the autonomy loop: it polls for the next due
// drive, checks the parking brake, executes, and persists the
// tick/nudge/next-run state so a crash mid-cycle never double-runs a
// drive or stalls the schedule.
package scheduler
