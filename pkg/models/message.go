package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents an assistant-declared function invocation.
//
// ID is the sole join key between the assistant message that declares it
// and the tool message carrying its result. Two tool calls within the same
// conversation must never share an id.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is the canonical record {role, content, tool_calls?, tool_call_id?,
// name?} described in the data model. A tool message carries exactly one
// ToolCallID referencing a prior assistant tool call; an assistant message
// may carry zero or more ToolCalls. IsError is set only on tool messages,
// marking a failed execution so downstream consumers (pruning, transcript
// display, the provider wire encoding) can distinguish a tool failure from
// its successful output without inspecting Content.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleSystem, Content: content, CreatedAt: time.Now()}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

// NewAssistantMessage creates an assistant message, optionally carrying
// tool calls alongside its text (spec's open question: both may be
// present; tool calls execute first, text is retained).
func NewAssistantMessage(content string, toolCalls []ToolCall) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
}

// NewToolMessage creates a tool-result message referencing toolCallID.
// isError marks a failed tool execution on the resulting Message.
func NewToolMessage(toolCallID, toolName, content string, isError bool) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Name:       toolName,
		IsError:    isError,
		CreatedAt:  time.Now(),
	}
}

// Clone returns a deep copy so callers can mutate without aliasing shared
// state (mirrors the defensive-copy discipline of the Conversation Store).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return &clone
}

// CloneMessages deep-copies a slice of message pointers.
func CloneMessages(messages []*Message) []*Message {
	out := make([]*Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}
