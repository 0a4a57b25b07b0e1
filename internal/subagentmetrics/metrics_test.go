package subagentmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewScope_IncrementsActiveCountAndExecutions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	scope := NewScope(m, "researcher", 1)
	defer scope.Close()

	if got := gaugeValue(t, m.ActiveCount.WithLabelValues("1")); got != 1 {
		t.Errorf("ActiveCount = %v, want 1", got)
	}
	if got := counterValue(t, m.ExecutionsTotal.WithLabelValues("1")); got != 1 {
		t.Errorf("ExecutionsTotal = %v, want 1", got)
	}
}

func TestScope_RecordCompletion_DecrementsActiveCountOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	scope := NewScope(m, "researcher", 2)
	scope.RecordCompletion(3, 150, "finished")
	scope.RecordCompletion(3, 150, "finished") // second call must be a no-op
	scope.Close()                              // defer-style safety net must also be a no-op

	if got := gaugeValue(t, m.ActiveCount.WithLabelValues("2")); got != 0 {
		t.Errorf("ActiveCount = %v, want 0 (net-zero after exactly one decrement)", got)
	}
	if got := counterValue(t, m.CompletionsTotal.WithLabelValues("2", "finished")); got != 1 {
		t.Errorf("CompletionsTotal = %v, want 1 (recorded exactly once)", got)
	}
}

func TestScope_RecordError_DecrementsActiveCountOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	scope := NewScope(m, "researcher", 0)
	scope.RecordError("quota_exceeded")
	scope.Close()

	if got := gaugeValue(t, m.ActiveCount.WithLabelValues("0")); got != 0 {
		t.Errorf("ActiveCount = %v, want 0", got)
	}
	if got := counterValue(t, m.ErrorsTotal.WithLabelValues("0", "quota_exceeded")); got != 1 {
		t.Errorf("ErrorsTotal = %v, want 1", got)
	}
}

func TestScope_CloseWithoutRecord_StillDecrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	scope := NewScope(m, "researcher", 1)
	scope.Close()

	if got := gaugeValue(t, m.ActiveCount.WithLabelValues("1")); got != 0 {
		t.Errorf("ActiveCount = %v, want 0", got)
	}
}

func TestDepthString(t *testing.T) {
	cases := map[int]string{0: "0", 1: "1", 9: "9", 12: "12", 100: "100"}
	for depth, want := range cases {
		if got := depthString(depth); got != want {
			t.Errorf("depthString(%d) = %q, want %q", depth, got, want)
		}
	}
}
