// Package brake implements the kernel's fail-closed parking brake: a
// single persisted engaged/scopes flag that gated components consult
// before acting. Engaging "global" blocks every scope; engaging a
// named scope blocks only that one.
package brake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/barthlab/kernel/pkg/log"
	"github.com/barthlab/kernel/pkg/metrics"
	"github.com/barthlab/kernel/pkg/types"
)

const flagKey = "parking_brake"

// ErrBlocked is the sentinel a caller can compare against (via errors.Is)
// when it wraps a brake-blocked action in Go's error-returning idiom.
// IsBlocked itself stays a plain bool return so the scheduler's per-tick
// check never allocates.
var ErrBlocked = errors.New("parking_brake_engaged")

// State is an immutable snapshot of the brake.
type State struct {
	Engaged bool
	Scopes  []string
}

// isBlocked reports whether scope is blocked by this snapshot.
func (s State) isBlocked(scope string) bool {
	if !s.Engaged {
		return false
	}
	for _, sc := range s.Scopes {
		if sc == string(types.ScopeGlobal) || sc == scope {
			return true
		}
	}
	return false
}

// flagStore is the persistence surface the brake needs from the store;
// satisfied by *store.Store without creating an import cycle.
type flagStore interface {
	GetSystemFlag(ctx context.Context, key string) (string, error)
	SetSystemFlag(ctx context.Context, key, value string) error
}

// AuditSink records brake transitions. It is optional: a nil sink means
// transitions simply aren't audited, matching the original's
// skip-if-no-memory-store behavior.
type AuditSink interface {
	RecordAudit(ctx context.Context, action string, scopes []string) error
}

// Brake is the runtime parking brake. All methods are safe for
// concurrent use; State() is served from an in-memory cache so the
// scheduler's per-tick check never blocks on a database round trip.
type Brake struct {
	mu    sync.RWMutex
	cache State
	store flagStore
	audit AuditSink
}

type brakePayload struct {
	Engaged bool     `json:"engaged"`
	Scopes  []string `json:"scopes"`
}

// New loads the persisted brake state (defaulting to disengaged if no
// flag row exists yet) and returns a ready Brake. audit may be nil.
func New(ctx context.Context, store flagStore, audit AuditSink) (*Brake, error) {
	b := &Brake{store: store, audit: audit}
	state, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	b.cache = state
	b.publishMetrics()
	return b, nil
}

func (b *Brake) load(ctx context.Context) (State, error) {
	raw, err := b.store.GetSystemFlag(ctx, flagKey)
	if err != nil {
		// Fail-closed on the read path too: if we can't determine the
		// brake's state we must not assume it is safe to proceed, but an
		// absent flag is the normal "never engaged" case.
		raw = `{"engaged":false,"scopes":[]}`
	}
	var p brakePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return State{}, fmt.Errorf("brake: corrupt flag payload: %w", err)
	}
	return State{Engaged: p.Engaged, Scopes: p.Scopes}, nil
}

// State returns the current cached brake snapshot.
func (b *Brake) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache
}

// IsBlocked reports whether scope is currently blocked. A scope is
// blocked when the brake is engaged and either "global" or that exact
// scope is in the engaged set.
func (b *Brake) IsBlocked(scope string) bool {
	return b.State().isBlocked(scope)
}

// Engage sets the brake, blocking every listed scope. No scopes defaults
// to blocking "global" (i.e. everything).
func (b *Brake) Engage(ctx context.Context, scopes ...string) error {
	if len(scopes) == 0 {
		scopes = []string{string(types.ScopeGlobal)}
	}
	return b.write(ctx, true, dedupSorted(scopes))
}

// Disengage clears the brake entirely.
func (b *Brake) Disengage(ctx context.Context) error {
	return b.write(ctx, false, nil)
}

func (b *Brake) write(ctx context.Context, engaged bool, scopes []string) error {
	payload, err := json.Marshal(brakePayload{Engaged: engaged, Scopes: scopes})
	if err != nil {
		return err
	}
	if err := b.store.SetSystemFlag(ctx, flagKey, string(payload)); err != nil {
		return fmt.Errorf("brake: persist state: %w", err)
	}

	b.mu.Lock()
	b.cache = State{Engaged: engaged, Scopes: scopes}
	b.mu.Unlock()
	b.publishMetrics()

	action := "disengaged"
	if engaged {
		action = "engaged"
	}
	if b.audit != nil {
		if err := b.audit.RecordAudit(ctx, action, scopes); err != nil {
			log.WithComponent("brake").Warn().Err(err).Msg("audit record failed")
		}
	}
	return nil
}

func (b *Brake) publishMetrics() {
	st := b.State()
	for _, scope := range []types.BrakeScope{
		types.ScopeGlobal, types.ScopeSkills, types.ScopeSight, types.ScopeVoice, types.ScopeScheduler,
	} {
		v := 0.0
		if st.isBlocked(string(scope)) {
			v = 1.0
		}
		metrics.KernelBrakeEngaged.WithLabelValues(string(scope)).Set(v)
	}
}

func dedupSorted(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
