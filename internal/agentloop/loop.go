// Package agentloop implements the Agent Turn Loop state machine from
// spec.md §4.4: a single conversation advanced one turn at a time, with
// tool calls executed strictly sequentially in provider-declared order.
//
// Grounded on the teacher's internal/agent.AgenticLoop (internal/agent/
// loop.go) phase structure -- Init/Stream/ExecuteTools/Continue/Complete --
// generalized to spec.md's Start/AwaitingProvider/ExecutingTools/Finished
// state names, and deliberately diverging from the teacher's parallel
// executeToolsPhase: spec.md §5 and §9 require strictly sequential
// execution, never parallel.
package agentloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/xbcsmith/xzatoma/internal/conversation"
	"github.com/xbcsmith/xzatoma/internal/provider"
	"github.com/xbcsmith/xzatoma/internal/quota"
	"github.com/xbcsmith/xzatoma/internal/tooling"
)

// Phase names one state in the turn loop's state machine (spec.md §4.4).
type Phase string

const (
	PhaseStart            Phase = "start"
	PhaseAwaitingProvider Phase = "awaiting_provider"
	PhaseExecutingTools   Phase = "executing_tools"
	PhaseFinished         Phase = "finished"
	PhaseTruncated        Phase = "truncated"
	PhaseCancelled        Phase = "cancelled"
	PhaseQuotaExhausted   Phase = "quota_exhausted"
	PhaseProviderError    Phase = "provider_error"
)

// ErrMaxTurns is returned when a Run reaches MaxTurns without the provider
// settling on a tool-call-free reply.
var ErrMaxTurns = errors.New("agentloop: max turns reached")

// Config bounds a single Run.
type Config struct {
	// MaxTurns caps the number of provider round-trips. A turn is one
	// AwaitingProvider -> (ExecutingTools ->)? cycle.
	MaxTurns int

	// Quota is optional; when set, each turn reserves against it before
	// calling the provider and records consumed tokens afterward.
	Quota *quota.Tracker
}

// Result is the outcome of a completed Run.
type Result struct {
	Phase      Phase
	TurnsUsed  int
	TokensUsed int64
	FinalText  string
	Err        error
}

// Loop drives one conversation through the turn loop.
type Loop struct {
	provider provider.Provider
	registry *tooling.Registry
	config   Config
}

// New creates a Loop. config.MaxTurns <= 0 defaults to 10, matching the
// teacher's DefaultLoopConfig.MaxIterations.
func New(p provider.Provider, registry *tooling.Registry, config Config) *Loop {
	if config.MaxTurns <= 0 {
		config.MaxTurns = 10
	}
	return &Loop{provider: p, registry: registry, config: config}
}

// Run executes the turn procedure from spec.md §4.4 against conv until the
// conversation finishes, is truncated by MaxTurns, is cancelled via ctx, or
// a quota dimension is exhausted.
func (l *Loop) Run(ctx context.Context, conv *conversation.Conversation) *Result {
	turns := 0
	var tokensUsed int64

	for {
		select {
		case <-ctx.Done():
			return &Result{Phase: PhaseCancelled, TurnsUsed: turns, TokensUsed: tokensUsed, Err: ctx.Err()}
		default:
		}

		if turns >= l.config.MaxTurns {
			return &Result{Phase: PhaseTruncated, TurnsUsed: turns, TokensUsed: tokensUsed, Err: ErrMaxTurns}
		}

		if l.config.Quota != nil {
			if err := l.config.Quota.CheckAndReserve(); err != nil {
				return &Result{Phase: PhaseQuotaExhausted, TurnsUsed: turns, TokensUsed: tokensUsed, Err: err}
			}
		}

		resp, err := l.turn(ctx, conv)
		turns++
		if err != nil {
			if ctx.Err() != nil {
				return &Result{Phase: PhaseCancelled, TurnsUsed: turns, TokensUsed: tokensUsed, Err: ctx.Err()}
			}
			return &Result{Phase: PhaseProviderError, TurnsUsed: turns, TokensUsed: tokensUsed, Err: err}
		}

		tokensUsed += int64(resp.TokensUsed)
		if l.config.Quota != nil && resp.TokensUsed > 0 {
			if qerr := l.config.Quota.Record(int64(resp.TokensUsed)); qerr != nil {
				return &Result{Phase: PhaseQuotaExhausted, TurnsUsed: turns, TokensUsed: tokensUsed, Err: qerr, FinalText: resp.Content}
			}
		}

		if !resp.HasToolCalls() {
			return &Result{Phase: PhaseFinished, TurnsUsed: turns, TokensUsed: tokensUsed, FinalText: resp.Content}
		}

		// ExecutingTools phase: execute every call strictly sequentially,
		// in the order the provider declared them (spec.md §4.4 step 7,
		// §5, §9). The Open Question (text + tool_calls together) is
		// resolved by executing the tool calls first; the assistant text
		// is retained on the message but does not end the loop itself.
		for _, call := range resp.ToolCalls {
			select {
			case <-ctx.Done():
				return &Result{Phase: PhaseCancelled, TurnsUsed: turns, TokensUsed: tokensUsed, Err: ctx.Err()}
			default:
			}

			content, execErr := l.registry.Execute(ctx, call.Name, call.Arguments)
			isErr := execErr != nil
			if execErr != nil {
				content = execErr.Error()
			}
			conv.AddToolResult(call.ID, call.Name, content, isErr)
		}
	}
}

// turn performs one AwaitingProvider round-trip: prune if needed, validate,
// call the provider, and append the assistant reply to the conversation.
func (l *Loop) turn(ctx context.Context, conv *conversation.Conversation) (*provider.Response, error) {
	conv.MaybePrune()
	messages := conv.ValidatedMessages()

	req := &provider.Request{
		Model:    l.provider.DefaultModel(),
		Messages: messages,
		Tools:    l.registry.AsDescriptors(),
	}
	resp, err := l.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agentloop: provider completion failed: %w", err)
	}

	conv.AddAssistant(resp.Content, resp.ToolCalls)
	return resp, nil
}
