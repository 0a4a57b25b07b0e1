// Package quota implements the three orthogonal limits the Agent Turn Loop
// and Sub-agent Tool enforce: executions, tokens, and wall time.
package quota

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Dimension names one of the three quota limits, used in QuotaError.
type Dimension string

const (
	DimensionExecutions Dimension = "executions"
	DimensionTokens     Dimension = "tokens"
	DimensionTime       Dimension = "time"
)

// Error is the QuotaError taxonomy entry from spec.md §7: a reservation was
// denied, naming the violated dimension without mutating any counter.
type Error struct {
	Dimension Dimension
}

func (e *Error) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Dimension)
}

// ErrExecutions/ErrTokens/ErrTime are sentinels for errors.Is matching
// against a specific dimension, independent of the Error's message text.
var (
	ErrExecutions = &Error{Dimension: DimensionExecutions}
	ErrTokens     = &Error{Dimension: DimensionTokens}
	ErrTime       = &Error{Dimension: DimensionTime}
)

// Is implements errors.Is by dimension rather than struct identity, so
// callers can write errors.Is(err, quota.ErrTokens).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Dimension == e.Dimension
}

// Limits are the three optional caps; a nil pointer means unbounded.
type Limits struct {
	MaxExecutions *int64
	MaxTokens     *int64
	MaxWallTime   *time.Duration
}

// counters is the shared, reference-counted interior state a Tracker and
// all of its clones observe. Atomic primitives avoid a long-held lock,
// matching spec.md §9's "interior-mutable counters ... model as atomic
// primitives or a small lock-guarded struct; never a global".
type counters struct {
	executions atomic.Int64
	tokens     atomic.Int64
	startedAt  time.Time
}

// Tracker enforces Limits against a shared counters block. Cloning a
// Tracker (via Clone) shares the same counters, so nested sub-agents
// consume one global budget -- grounded on the teacher's
// internal/ratelimit.Bucket for the general shape of a small mutex/atomic
// numeric limiter, redesigned per spec.md §4.6: counters are monotonically
// consumed (no refill) and startedAt is fixed at the root Tracker's
// construction (Open Question decision), so all clones share one
// wall-clock budget.
type Tracker struct {
	limits   Limits
	counters *counters
}

// New creates a root Tracker with its own counters, starting the wall-time
// clock now.
func New(limits Limits) *Tracker {
	return &Tracker{
		limits:   limits,
		counters: &counters{startedAt: time.Now()},
	}
}

// Clone returns a Tracker sharing this one's counters and limits -- used
// when a sub-agent inherits the parent's quota (spec.md §4.5 step 5: "all
// recursion levels share one counter set").
func (t *Tracker) Clone() *Tracker {
	return &Tracker{limits: t.limits, counters: t.counters}
}

// CheckAndReserve atomically verifies no limit is yet breached and, if all
// pass, pre-increments executions by one. Returns a *Error naming the
// first violated dimension without incrementing anything if any limit
// would be exceeded.
func (t *Tracker) CheckAndReserve() error {
	if t.limits.MaxWallTime != nil && time.Since(t.counters.startedAt) >= *t.limits.MaxWallTime {
		return ErrTime
	}
	if t.limits.MaxTokens != nil && t.counters.tokens.Load() >= *t.limits.MaxTokens {
		return ErrTokens
	}
	if t.limits.MaxExecutions != nil {
		for {
			current := t.counters.executions.Load()
			if current >= *t.limits.MaxExecutions {
				return ErrExecutions
			}
			if t.counters.executions.CompareAndSwap(current, current+1) {
				return nil
			}
		}
	}
	t.counters.executions.Add(1)
	return nil
}

// Record atomically adds tokens consumed by the most recent completion.
// Returns ErrTokens if the addition crossed the cap -- callers treat this
// as a post-execution signal, not a blocked reservation.
func (t *Tracker) Record(tokens int64) error {
	if tokens < 0 {
		return errors.New("quota: negative token count")
	}
	newTotal := t.counters.tokens.Add(tokens)
	if t.limits.MaxTokens != nil && newTotal >= *t.limits.MaxTokens {
		return ErrTokens
	}
	return nil
}

// RemainingExecutions returns the unbounded sentinel (-1) when no limit is
// set, else limit minus current usage (never negative).
func (t *Tracker) RemainingExecutions() int64 {
	if t.limits.MaxExecutions == nil {
		return -1
	}
	return max64(0, *t.limits.MaxExecutions-t.counters.executions.Load())
}

// RemainingTokens mirrors RemainingExecutions for the token dimension.
func (t *Tracker) RemainingTokens() int64 {
	if t.limits.MaxTokens == nil {
		return -1
	}
	return max64(0, *t.limits.MaxTokens-t.counters.tokens.Load())
}

// RemainingTime mirrors RemainingExecutions for the wall-time dimension.
func (t *Tracker) RemainingTime() time.Duration {
	if t.limits.MaxWallTime == nil {
		return -1
	}
	remaining := *t.limits.MaxWallTime - time.Since(t.counters.startedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
