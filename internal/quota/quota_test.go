package quota

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func int64p(v int64) *int64 { return &v }

func TestTracker_CheckAndReserve_DeniesAtLimit(t *testing.T) {
	tr := New(Limits{MaxExecutions: int64p(2)})

	if err := tr.CheckAndReserve(); err != nil {
		t.Fatalf("reservation 1 error = %v", err)
	}
	if err := tr.CheckAndReserve(); err != nil {
		t.Fatalf("reservation 2 error = %v", err)
	}
	err := tr.CheckAndReserve()
	if !errors.Is(err, ErrExecutions) {
		t.Fatalf("reservation 3 error = %v, want ErrExecutions", err)
	}
}

func TestTracker_Record_SignalsTokenExhaustion(t *testing.T) {
	tr := New(Limits{MaxTokens: int64p(100)})

	if err := tr.Record(50); err != nil {
		t.Fatalf("Record(50) error = %v", err)
	}
	err := tr.Record(60)
	if !errors.Is(err, ErrTokens) {
		t.Fatalf("Record(60) error = %v, want ErrTokens", err)
	}
}

func TestTracker_Clone_SharesCounters(t *testing.T) {
	root := New(Limits{MaxExecutions: int64p(1)})
	child := root.Clone()

	if err := root.CheckAndReserve(); err != nil {
		t.Fatalf("root reservation error = %v", err)
	}
	err := child.CheckAndReserve()
	if !errors.Is(err, ErrExecutions) {
		t.Fatalf("child reservation error = %v, want ErrExecutions (shared counters)", err)
	}
}

func TestTracker_Clone_SharesWallClockStart(t *testing.T) {
	maxWait := 50 * time.Millisecond
	root := New(Limits{MaxWallTime: &maxWait})
	time.Sleep(60 * time.Millisecond)
	child := root.Clone()

	err := child.CheckAndReserve()
	if !errors.Is(err, ErrTime) {
		t.Fatalf("child reservation error = %v, want ErrTime (shared start time)", err)
	}
}

// TestTracker_CheckAndReserve_Atomicity exercises property 3 from spec.md
// §8: concurrent agents sharing a tracker with max_executions=N succeed
// exactly min(N, total_attempts) times.
func TestTracker_CheckAndReserve_Atomicity(t *testing.T) {
	const limit = 3
	const attempts = 20
	tr := New(Limits{MaxExecutions: int64p(limit)})

	var wg sync.WaitGroup
	var succeeded int64Counter
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.CheckAndReserve(); err == nil {
				succeeded.add(1)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.value(); got != limit {
		t.Errorf("successful reservations = %d, want %d", got, limit)
	}
	if got := tr.RemainingExecutions(); got != 0 {
		t.Errorf("RemainingExecutions() = %d, want 0", got)
	}
}

type int64Counter struct {
	mu sync.Mutex
	n  int64
}

func (c *int64Counter) add(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += d
}

func (c *int64Counter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestTracker_Remaining_UnboundedWhenNilLimit(t *testing.T) {
	tr := New(Limits{})
	if tr.RemainingExecutions() != -1 {
		t.Errorf("RemainingExecutions() = %d, want -1 (unbounded)", tr.RemainingExecutions())
	}
	if tr.RemainingTokens() != -1 {
		t.Errorf("RemainingTokens() = %d, want -1 (unbounded)", tr.RemainingTokens())
	}
	if tr.RemainingTime() != -1 {
		t.Errorf("RemainingTime() = %v, want -1 (unbounded)", tr.RemainingTime())
	}
}
