// Package subagent implements spec.md §4.5's sub-agent spawning tool: a
// parent agent delegates a bounded task to a fresh agentloop.Loop running
// at depth+1, awaited as a child task rather than fired-and-forgotten.
//
// Grounded on the teacher's internal/tools/subagent.Manager (spawn.go) --
// concurrency-limited spawn, per-agent record keeping, an announce hook --
// generalized per spec.md: depth/quota inheritance, the four-case provider
// override, allowed_tools filtering via the Tool Registry, and an awaited
// child task instead of the teacher's `go m.runSubAgent(...)`.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xbcsmith/xzatoma/internal/agentloop"
	"github.com/xbcsmith/xzatoma/internal/conversation"
	"github.com/xbcsmith/xzatoma/internal/provider"
	"github.com/xbcsmith/xzatoma/internal/quota"
	"github.com/xbcsmith/xzatoma/internal/subagentmetrics"
	"github.com/xbcsmith/xzatoma/internal/tooling"
)

// ErrDepthExceeded is the DepthExceeded taxonomy entry from spec.md §7: the
// child's depth would exceed MaxDepth. Non-fatal to the parent -- callers
// wrap this as a tool result, never propagate it as a loop-ending error.
var ErrDepthExceeded = errors.New("subagent: max depth exceeded")

// OnSpawn is called synchronously before a sub-agent begins its task, e.g.
// to surface an announcement to a parent session -- grounded on the
// teacher's Manager.announcer hook. Errors are best-effort and ignored by
// Manager, matching the teacher's behavior.
type OnSpawn func(ctx context.Context, label, task string, depth int) error

// Config bounds every spawn a Manager will accept.
type Config struct {
	MaxDepth     int
	MaxTurns     int // per sub-agent Run, independent of MaxDepth
	DefaultQuota quota.Limits
}

// Manager spawns sub-agents that share the parent's tool registry (filtered
// by allowed_tools) and records metrics scoped by (label, depth). A
// sub-agent shares quota counters only with the tracker passed in
// Request.Quota; a nil Request.Quota gives it a fresh tracker, and the
// spawn tool registered by RegisterSpawnTool always passes nil.
type Manager struct {
	provider provider.Provider
	registry *tooling.Registry
	metrics  *subagentmetrics.Metrics
	config   Config
	onSpawn  OnSpawn

	activeCount int64
}

// NewManager creates a Manager. provider and registry are the parent's
// defaults, inherited by a spawned sub-agent unless its Request overrides
// them.
func NewManager(p provider.Provider, registry *tooling.Registry, metrics *subagentmetrics.Metrics, config Config) *Manager {
	if config.MaxDepth <= 0 {
		config.MaxDepth = 3
	}
	return &Manager{provider: p, registry: registry, metrics: metrics, config: config}
}

// SetOnSpawn installs the announce hook.
func (m *Manager) SetOnSpawn(fn OnSpawn) {
	m.onSpawn = fn
}

// ProviderOverride names the four cases spec.md §4.5 step 2 enumerates for
// resolving a spawned sub-agent's provider/model against its parent's.
type ProviderOverride struct {
	Provider provider.Provider // nil means "inherit parent's provider"
	Model    string            // "" means "inherit the resolved provider's DefaultModel"
}

// Request describes one spawn.
type Request struct {
	Label        string
	Task         string
	AllowedTools []string // patterns passed to tooling.Registry.Filtered; empty means "inherit all"
	Override     ProviderOverride
	Quota        *quota.Tracker // nil means "derive a fresh tracker from Config.DefaultQuota, not shared with the parent"
}

// Result is a completed sub-agent's outcome.
type Result struct {
	Label      string
	Depth      int
	Phase      agentloop.Phase
	FinalText  string
	TurnsUsed  int
	TokensUsed int64
	Err        error
}

// resolveProvider implements spec.md §4.5 step 2's four cases:
//  1. neither Provider nor Model overridden -> inherit both from parent
//  2. Provider overridden, Model not -> use override provider's DefaultModel
//  3. Model overridden, Provider not -> use parent's provider with the given model
//  4. both overridden -> use exactly what was given
func resolveProvider(parent provider.Provider, override ProviderOverride) (provider.Provider, string) {
	p := override.Provider
	if p == nil {
		p = parent
	}
	model := override.Model
	if model == "" {
		model = p.DefaultModel()
	}
	return p, model
}

// modelPinnedProvider wraps a Provider so Complete always uses model,
// satisfying case 3/4 above without mutating the underlying provider.
type modelPinnedProvider struct {
	provider.Provider
	model string
}

func (m *modelPinnedProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	pinned := *req
	pinned.Model = m.model
	return m.Provider.Complete(ctx, &pinned)
}

func (m *modelPinnedProvider) DefaultModel() string { return m.model }

// Spawn runs req as a child agentloop.Loop at parentDepth+1 and blocks until
// it finishes -- an awaited child task per spec.md §5, never a detached
// goroutine. Returns ErrDepthExceeded (non-fatal to the parent) when
// parentDepth+1 would exceed Config.MaxDepth.
func (m *Manager) Spawn(ctx context.Context, parentDepth int, req Request) (*Result, error) {
	depth := parentDepth + 1
	if depth > m.config.MaxDepth {
		return nil, ErrDepthExceeded
	}

	if m.onSpawn != nil {
		_ = m.onSpawn(ctx, req.Label, req.Task, depth)
	}

	atomic.AddInt64(&m.activeCount, 1)
	defer atomic.AddInt64(&m.activeCount, -1)

	resolvedProvider, model := resolveProvider(m.provider, req.Override)
	pinned := &modelPinnedProvider{Provider: resolvedProvider, model: model}

	registry := m.registry
	if len(req.AllowedTools) > 0 {
		registry = m.registry.Filtered(req.AllowedTools)
	}

	tracker := req.Quota
	if tracker == nil {
		limits := m.config.DefaultQuota
		tracker = quota.New(limits)
	}

	scope := subagentmetrics.NewScope(m.metrics, req.Label, depth)
	defer scope.Close()

	childCtx := tooling.WithDepth(ctx, depth)

	conv := conversation.New(req.Label, 0, 0, 0)
	conv.AddUser(req.Task)

	loop := agentloop.New(pinned, registry, agentloop.Config{
		MaxTurns: m.config.MaxTurns,
		Quota:    tracker,
	})
	loopResult := loop.Run(childCtx, conv)

	result := &Result{
		Label:      req.Label,
		Depth:      depth,
		Phase:      loopResult.Phase,
		FinalText:  loopResult.FinalText,
		TurnsUsed:  loopResult.TurnsUsed,
		TokensUsed: loopResult.TokensUsed,
		Err:        loopResult.Err,
	}

	switch loopResult.Phase {
	case agentloop.PhaseFinished:
		scope.RecordCompletion(loopResult.TurnsUsed, loopResult.TokensUsed, "finished")
	case agentloop.PhaseTruncated:
		scope.RecordCompletion(loopResult.TurnsUsed, loopResult.TokensUsed, "truncated")
	case agentloop.PhaseCancelled:
		scope.RecordError("cancelled")
	case agentloop.PhaseQuotaExhausted:
		scope.RecordError("quota_exhausted")
	case agentloop.PhaseProviderError:
		scope.RecordError("provider_error")
	default:
		scope.RecordError("unknown")
	}

	return result, nil
}

// ActiveCount reports the number of sub-agents currently running.
func (m *Manager) ActiveCount() int64 {
	return atomic.LoadInt64(&m.activeCount)
}

// spawnArgs is the JSON shape a provider supplies when invoking the
// registered spawn tool.
type spawnArgs struct {
	Label        string   `json:"label"`
	Task         string   `json:"task"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// RegisterSpawnTool registers a "spawn_subagent" handler into registry that
// parses spawnArgs and delegates to m.Spawn at the given parentDepth. The
// handler surfaces ErrDepthExceeded as a tool error (non-fatal to the
// parent), matching spec.md §4.5's "returned as a tool result" rule.
func (m *Manager) RegisterSpawnTool(registry *tooling.Registry, parentDepth int) error {
	return registry.Register(
		"spawn_subagent",
		"Delegate a bounded task to a fresh sub-agent and await its result.",
		json.RawMessage(`{"type":"object","properties":{"label":{"type":"string"},"task":{"type":"string"},"allowed_tools":{"type":"array","items":{"type":"string"}},"model":{"type":"string"}},"required":["label","task"]}`),
		func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args spawnArgs
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", fmt.Errorf("subagent: invalid arguments: %w", err)
			}
			label := args.Label
			if label == "" {
				label = uuid.NewString()[:8]
			}
			result, err := m.Spawn(ctx, parentDepth, Request{
				Label:        label,
				Task:         args.Task,
				AllowedTools: args.AllowedTools,
				Override:     ProviderOverride{Model: args.Model},
			})
			if errors.Is(err, ErrDepthExceeded) {
				return "", err
			}
			if err != nil {
				return "", err
			}
			if result.Err != nil && result.Phase != agentloop.PhaseFinished && result.Phase != agentloop.PhaseTruncated {
				return "", fmt.Errorf("subagent %q ended in phase %s: %w", label, result.Phase, result.Err)
			}
			return result.FinalText, nil
		},
	)
}
