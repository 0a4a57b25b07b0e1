package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xbcsmith/xzatoma/internal/conversation"
	"github.com/xbcsmith/xzatoma/internal/provider"
	"github.com/xbcsmith/xzatoma/internal/quota"
	"github.com/xbcsmith/xzatoma/internal/tooling"
	"github.com/xbcsmith/xzatoma/pkg/models"
)

// sequencedProvider returns one canned response per call, matching the
// teacher's loopTestProvider call-counter pattern (internal/agent/
// loop_test.go).
type sequencedProvider struct {
	responses []*provider.Response
	calls     int32
}

func (p *sequencedProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	i := int(atomic.AddInt32(&p.calls, 1)) - 1
	if i >= len(p.responses) {
		return &provider.Response{Content: "done"}, nil
	}
	return p.responses[i], nil
}

func (p *sequencedProvider) Name() string         { return "sequenced" }
func (p *sequencedProvider) DefaultModel() string { return "test-model" }

func newConv() *conversation.Conversation {
	return conversation.New("test", 0, 0, 0)
}

func TestLoop_Run_FinishesOnTextOnlyReply(t *testing.T) {
	p := &sequencedProvider{responses: []*provider.Response{
		{Content: "hello there"},
	}}
	loop := New(p, tooling.NewRegistry(), Config{})
	conv := newConv()
	conv.AddUser("hi")

	result := loop.Run(context.Background(), conv)

	if result.Phase != PhaseFinished {
		t.Fatalf("Phase = %v, want %v (err=%v)", result.Phase, PhaseFinished, result.Err)
	}
	if result.FinalText != "hello there" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "hello there")
	}
	if result.TurnsUsed != 1 {
		t.Errorf("TurnsUsed = %d, want 1", result.TurnsUsed)
	}
}

func TestLoop_Run_ExecutesToolCallsSequentiallyInOrder(t *testing.T) {
	var order []string
	registry := tooling.NewRegistry()
	register := func(name string) {
		n := name
		_ = registry.Register(n, "", json.RawMessage(`{}`), func(ctx context.Context, args json.RawMessage) (string, error) {
			order = append(order, n)
			return n + "-result", nil
		})
	}
	register("alpha")
	register("beta")
	register("gamma")

	p := &sequencedProvider{responses: []*provider.Response{
		{ToolCalls: toolCalls("gamma", "alpha", "beta")},
		{Content: "all done"},
	}}
	loop := New(p, registry, Config{})
	conv := newConv()
	conv.AddUser("run tools")

	result := loop.Run(context.Background(), conv)

	if result.Phase != PhaseFinished {
		t.Fatalf("Phase = %v, want %v (err=%v)", result.Phase, PhaseFinished, result.Err)
	}
	want := []string{"gamma", "alpha", "beta"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (provider-declared order must be preserved)", i, order[i], want[i])
		}
	}
}

func TestLoop_Run_TruncatesAtMaxTurns(t *testing.T) {
	registry := tooling.NewRegistry()
	_ = registry.Register("loop", "", json.RawMessage(`{}`), func(ctx context.Context, args json.RawMessage) (string, error) {
		return "ok", nil
	})

	p := &foreverToolCaller{}
	loop := New(p, registry, Config{MaxTurns: 3})
	conv := newConv()
	conv.AddUser("go forever")

	result := loop.Run(context.Background(), conv)

	if result.Phase != PhaseTruncated {
		t.Fatalf("Phase = %v, want %v", result.Phase, PhaseTruncated)
	}
	if !errors.Is(result.Err, ErrMaxTurns) {
		t.Errorf("Err = %v, want ErrMaxTurns", result.Err)
	}
	if result.TurnsUsed != 3 {
		t.Errorf("TurnsUsed = %d, want 3", result.TurnsUsed)
	}
}

type foreverToolCaller struct{}

func (p *foreverToolCaller) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{ToolCalls: toolCalls("loop")}, nil
}
func (p *foreverToolCaller) Name() string         { return "forever" }
func (p *foreverToolCaller) DefaultModel() string { return "test-model" }

func TestLoop_Run_StopsOnQuotaExhaustion(t *testing.T) {
	p := &sequencedProvider{responses: []*provider.Response{
		{Content: "never reached"},
	}}
	maxExec := int64(0)
	tracker := quota.New(quota.Limits{MaxExecutions: &maxExec})
	loop := New(p, tooling.NewRegistry(), Config{Quota: tracker})
	conv := newConv()
	conv.AddUser("hi")

	result := loop.Run(context.Background(), conv)

	if result.Phase != PhaseQuotaExhausted {
		t.Fatalf("Phase = %v, want %v", result.Phase, PhaseQuotaExhausted)
	}
	if !errors.Is(result.Err, quota.ErrExecutions) {
		t.Errorf("Err = %v, want ErrExecutions", result.Err)
	}
}

type failingProvider struct {
	err error
}

func (p *failingProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return nil, p.err
}
func (p *failingProvider) Name() string         { return "failing" }
func (p *failingProvider) DefaultModel() string { return "test-model" }

func TestLoop_Run_ProviderErrorIsDistinctFromCancellation(t *testing.T) {
	wantErr := errors.New("upstream rate limited")
	p := &failingProvider{err: wantErr}
	loop := New(p, tooling.NewRegistry(), Config{})
	conv := newConv()
	conv.AddUser("hi")

	result := loop.Run(context.Background(), conv)

	if result.Phase != PhaseProviderError {
		t.Fatalf("Phase = %v, want %v", result.Phase, PhaseProviderError)
	}
	if !errors.Is(result.Err, wantErr) {
		t.Errorf("Err = %v, want it to wrap %v", result.Err, wantErr)
	}
}

func TestLoop_Run_RespectsCancellation(t *testing.T) {
	p := &sequencedProvider{responses: []*provider.Response{
		{Content: "too late"},
	}}
	loop := New(p, tooling.NewRegistry(), Config{})
	conv := newConv()
	conv.AddUser("hi")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := loop.Run(ctx, conv)

	if result.Phase != PhaseCancelled {
		t.Fatalf("Phase = %v, want %v", result.Phase, PhaseCancelled)
	}
}

func TestLoop_Run_ToolErrorIsNonFatalAndAppendsResult(t *testing.T) {
	registry := tooling.NewRegistry()
	_ = registry.Register("explode", "", json.RawMessage(`{}`), func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", errors.New("boom")
	})

	p := &sequencedProvider{responses: []*provider.Response{
		{ToolCalls: toolCalls("explode")},
		{Content: "recovered"},
	}}
	loop := New(p, registry, Config{})
	conv := newConv()
	conv.AddUser("trigger")

	result := loop.Run(context.Background(), conv)

	if result.Phase != PhaseFinished {
		t.Fatalf("Phase = %v, want %v (err=%v)", result.Phase, PhaseFinished, result.Err)
	}
	if result.FinalText != "recovered" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "recovered")
	}

	found := false
	for _, m := range conv.Messages() {
		if m.ToolCallID != "" && m.Content == "boom" {
			found = true
		}
	}
	if !found {
		t.Error("expected a tool message carrying the error content, found none")
	}
}

func TestLoop_Run_DeadlineDuringToolExecutionCancels(t *testing.T) {
	registry := tooling.NewRegistry()
	var calls int32
	_ = registry.Register("slow", "", json.RawMessage(`{}`), func(ctx context.Context, args json.RawMessage) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done() // the deadline expires while this tool is running
		return "ok", nil
	})
	p := &sequencedProvider{responses: []*provider.Response{
		{ToolCalls: toolCalls("slow", "slow")},
	}}
	loop := New(p, registry, Config{})
	conv := newConv()
	conv.AddUser("go")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := loop.Run(ctx, conv)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("slow tool ran %d times, want 1 (the second call must not start after the deadline)", got)
	}
	if result.Phase != PhaseCancelled {
		t.Fatalf("Phase = %v, want %v", result.Phase, PhaseCancelled)
	}
}

func toolCalls(names ...string) []models.ToolCall {
	calls := make([]models.ToolCall, len(names))
	for i, n := range names {
		calls[i] = models.ToolCall{ID: n + "-id", Name: n, Arguments: json.RawMessage(`{}`)}
	}
	return calls
}
