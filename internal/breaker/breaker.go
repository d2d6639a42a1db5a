// Package breaker implements a three-state circuit breaker used to contain
// cascading failures in the pipeline's outbound dependencies (notification
// transport, datastore).
//
// State machine per named dependency:
//
//	CLOSED    calls pass through; consecutive failures within the monitoring
//	          window trip the breaker to OPEN once they reach the threshold.
//	OPEN      calls fail fast with ErrOpen without invoking the operation;
//	          after ResetTimeout elapses the next call runs as a HALF_OPEN
//	          trial. The transition is evaluated lazily at call time, never
//	          by a background timer.
//	HALF_OPEN trial calls pass through; SuccessThreshold consecutive
//	          successes close the breaker, a single failure reopens it.
//
// All state mutation happens under one mutex per breaker, so concurrent
// callers never observe a partial transition.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker is OPEN and the wrapped
// operation was not invoked. Callers treat it as a transient failure: by the
// time the job is retried the dependency may have recovered.
var ErrOpen = errors.New("circuit open")

// State is the breaker position. Exactly one state is active at a time.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name used in logs and metrics labels.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Settings configures one breaker. Zero values fall back to conservative
// defaults in New.
type Settings struct {
	// FailureThreshold is the number of consecutive failures (within
	// MonitoringPeriod) that trips CLOSED -> OPEN.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive HALF_OPEN successes
	// required to return to CLOSED.
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays OPEN before the next call
	// is allowed through as a trial. It is independent of any per-call
	// timeout on the wrapped operation.
	ResetTimeout time.Duration
	// MonitoringPeriod bounds the failure count: failures older than this
	// window no longer count toward the threshold.
	MonitoringPeriod time.Duration
	// OnStateChange, when set, is invoked (outside the breaker lock is NOT
	// guaranteed; keep it cheap) on every transition. Used to feed metrics.
	OnStateChange func(name string, from, to State)
}

// Breaker guards a single named dependency. Safe for concurrent use.
type Breaker struct {
	name string
	st   Settings

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	windowStart    time.Time // first failure of the current monitoring window
	transitionedAt time.Time

	now func() time.Time // test seam
}

// New constructs a Breaker for the given dependency name, applying defaults
// for unset Settings fields.
func New(name string, st Settings) *Breaker {
	if st.FailureThreshold < 1 {
		st.FailureThreshold = 5
	}
	if st.SuccessThreshold < 1 {
		st.SuccessThreshold = 1
	}
	if st.ResetTimeout <= 0 {
		st.ResetTimeout = 30 * time.Second
	}
	if st.MonitoringPeriod <= 0 {
		st.MonitoringPeriod = time.Minute
	}
	return &Breaker{
		name: name,
		st:   st,
		now:  time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Do executes op through the breaker. When OPEN, it returns ErrOpen (wrapped
// with the dependency name) without invoking op. Otherwise op runs and its
// result updates the breaker state.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// allow admits or rejects a call, performing the lazy OPEN -> HALF_OPEN
// transition when the reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.transitionedAt) >= b.st.ResetTimeout {
			b.transition(StateHalfOpen)
		} else {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
	}
	return nil
}

// record applies the outcome of an admitted call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		if err == nil {
			b.failures = 0
			b.windowStart = time.Time{}
			return
		}
		// Failures outside the monitoring window no longer count.
		if !b.windowStart.IsZero() && now.Sub(b.windowStart) > b.st.MonitoringPeriod {
			b.failures = 0
			b.windowStart = time.Time{}
		}
		if b.failures == 0 {
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.st.FailureThreshold {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		if err != nil {
			b.successes = 0
			b.transition(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.st.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.windowStart = time.Time{}
			b.transition(StateClosed)
		}

	case StateOpen:
		// A straggler finished after the breaker opened; the outcome does
		// not move the state machine.
	}
}

// transition moves to the target state and notifies the hook. Caller holds
// the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.transitionedAt = b.now()
	if to == StateHalfOpen {
		b.successes = 0
	}
	if b.st.OnStateChange != nil {
		b.st.OnStateChange(b.name, from, to)
	}
}

// State returns the effective state at this instant. An OPEN breaker whose
// reset timeout has elapsed reports HALF_OPEN even though the stored state
// only flips on the next call: effective state is computed at read time.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.transitionedAt) >= b.st.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// ForceReset unconditionally returns the breaker to CLOSED with zero
// counters. Operator intervention only.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.windowStart = time.Time{}
	b.transition(StateClosed)
}

// Snapshot is a point-in-time view of one breaker, for the operator surface.
type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	Successes      int       `json:"successes"`
	TransitionedAt time.Time `json:"transitioned_at"`
}

// Snapshot returns the current view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	st := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:           b.name,
		State:          st.String(),
		Failures:       b.failures,
		Successes:      b.successes,
		TransitionedAt: b.transitionedAt,
	}
}
