// Package cadence parses drive cadence strings and computes next-run
// timestamps. Every function here is pure: callers supply the current
// time and speed factor rather than the package reading the clock or
// environment itself, which keeps scheduling decisions deterministic
// and easy to test.
package cadence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// ErrInvalidCadence is wrapped by every error Parse returns for a
// malformed cadence string.
var ErrInvalidCadence = errors.New("cadence: invalid cadence")

// Kind identifies which cadence shape a Cadence value holds.
type Kind int

const (
	// Every fires at a fixed interval, measured from the last run.
	Every Kind = iota
	// Window fires MaxRuns times evenly spaced within a WindowSeconds
	// rolling window.
	Window
)

// Cadence is a parsed cadence specification.
type Cadence struct {
	Kind           Kind
	IntervalSecs   int // Every
	WindowSeconds  int // Window
	MaxRuns        int // Window
}

// Parse parses a cadence string of the form "every:<seconds>" or
// "window:<window_seconds>:<max_runs>".
func Parse(s string) (Cadence, error) {
	if s == "" {
		return Cadence{}, fmt.Errorf("%w: empty cadence string", ErrInvalidCadence)
	}
	parts := strings.Split(s, ":")
	switch parts[0] {
	case "every":
		if len(parts) != 2 {
			return Cadence{}, fmt.Errorf("%w: 'every' cadence: %s", ErrInvalidCadence, s)
		}
		secs, err := strconv.Atoi(parts[1])
		if err != nil || secs <= 0 {
			return Cadence{}, fmt.Errorf("%w: 'every' seconds: %s", ErrInvalidCadence, parts[1])
		}
		return Cadence{Kind: Every, IntervalSecs: secs}, nil

	case "window":
		if len(parts) != 3 {
			return Cadence{}, fmt.Errorf("%w: 'window' cadence: %s", ErrInvalidCadence, s)
		}
		windowSecs, err1 := strconv.Atoi(parts[1])
		maxRuns, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || windowSecs <= 0 || maxRuns <= 0 {
			return Cadence{}, fmt.Errorf("%w: 'window' params: %s, %s", ErrInvalidCadence, parts[1], parts[2])
		}
		return Cadence{Kind: Window, WindowSeconds: windowSecs, MaxRuns: maxRuns}, nil

	default:
		return Cadence{}, fmt.Errorf("%w: unknown cadence type: %s", ErrInvalidCadence, parts[0])
	}
}

type windowState struct {
	WindowStartTS int64 `json:"window_start_ts"`
	RunsInWindow  int   `json:"runs_in_window"`
}

// ComputeNextRun returns the next scheduled timestamp and (for window
// cadences) the updated window bookkeeping state to persist alongside
// it. speedFactor scales interval/window lengths for accelerated
// testing or simulation; a value <= 0 is treated as 1.0, and any other
// lower bound is applied by the caller, not here.
func ComputeNextRun(lastRunTS *int64, cadenceStr string, nowTS int64, windowStateJSON *string, speedFactor float64, rng *rand.Rand) (nextRunTS int64, newWindowState *string, err error) {
	c, err := Parse(cadenceStr)
	if err != nil {
		return 0, nil, err
	}
	if speedFactor <= 0 {
		speedFactor = 1.0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	switch c.Kind {
	case Every:
		seconds := maxInt(1, int(float64(c.IntervalSecs)*speedFactor))
		jitter := maxInt(1, int(float64(seconds)*0.05))
		delta := int64(maxInt(1, seconds+rng.Intn(2*jitter+1)-jitter))

		if lastRunTS == nil {
			next := nowTS + delta
			return next, nil, nil
		}
		next := *lastRunTS + delta
		return next, nil, nil

	case Window:
		windowSecs := int64(maxInt(1, int(float64(c.WindowSeconds)*speedFactor)))
		maxRuns := c.MaxRuns

		var st windowState
		if windowStateJSON != nil && *windowStateJSON != "" {
			_ = json.Unmarshal([]byte(*windowStateJSON), &st)
		}
		if st.WindowStartTS == 0 {
			st.WindowStartTS = nowTS
		}

		if lastRunTS == nil || (nowTS-st.WindowStartTS) >= windowSecs {
			st.WindowStartTS = nowTS
			st.RunsInWindow = 0
		}
		if st.RunsInWindow >= maxRuns {
			st.WindowStartTS += windowSecs
			st.RunsInWindow = 0
		}

		interval := windowSecs / int64(maxRuns)
		next := st.WindowStartTS + int64(st.RunsInWindow)*interval
		if next < nowTS {
			next = nowTS
		}

		st.RunsInWindow++
		payload, err := json.Marshal(st)
		if err != nil {
			return 0, nil, err
		}
		out := string(payload)
		return next, &out, nil

	default:
		return 0, nil, fmt.Errorf("cadence: unknown cadence kind")
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
