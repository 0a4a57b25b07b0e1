// Package provider defines the abstract LLM completion contract the Agent
// Turn Loop drives. It is provider-agnostic by design: concrete SDKs
// (Anthropic, OpenAI, Bedrock, ...) implement Provider outside this
// package.
package provider

import (
	"context"
	"encoding/json"

	"github.com/xbcsmith/xzatoma/internal/tooling"
	"github.com/xbcsmith/xzatoma/pkg/models"
)

// Provider is the abstract complete(messages, tools) -> response contract
// from spec.md §6. Implementations MUST apply conversation.Validate to the
// message sequence before transmission -- callers (the Agent Turn Loop)
// already do this, but a direct Provider caller must too.
//
// Grounded on the teacher's LLMProvider interface (internal/agent/
// provider_types.go), trimmed of the vision/extended-thinking fields
// spec.md does not name.
type Provider interface {
	// Complete sends messages and the available tool descriptors and
	// returns the assistant's reply.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider's identifying name (used by the
	// Sub-agent Tool's provider-override resolution, spec.md §4.5 step 2).
	Name() string

	// DefaultModel returns the model used when a request does not name
	// one explicitly.
	DefaultModel() string
}

// Request carries everything a Provider needs for one completion call.
type Request struct {
	Model    string
	Messages []*models.Message
	Tools    []tooling.Descriptor
}

// Response is a Provider's reply: either assistant text, or assistant text
// plus tool calls (spec.md's open question: both may be present).
type Response struct {
	Content    string
	ToolCalls  []models.ToolCall
	TokensUsed int
}

// HasToolCalls reports whether the response carries any tool call.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// DecodeArguments is a small helper for tool handlers that want typed
// arguments from a models.ToolCall without importing encoding/json
// directly at every call site.
func DecodeArguments(call models.ToolCall, into any) error {
	if len(call.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(call.Arguments, into)
}
