package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/xbcsmith/xzatoma/pkg/models"
)

// bytesPerToken is the stable heuristic used for token accounting: the
// exact provider tokenizer ratio is not observable from here, so message
// byte length stands in for it, matching spec.md's "approx 4 bytes/token".
const bytesPerToken = 4

// messageOverheadTokens approximates the fixed per-message envelope cost
// (role, id, framing) that a real tokenizer would also charge.
const messageOverheadTokens = 4

// Conversation is an ordered message log owned by exactly one agent at a
// time, with incremental token accounting and turn-chunk pruning.
type Conversation struct {
	ID             string
	Title          string
	MaxTokens      int
	MinRetainTurns int
	PruneThreshold float64

	messages []*models.Message
}

// New creates an empty conversation. MaxTokens <= 0 disables pruning.
func New(title string, maxTokens, minRetainTurns int, pruneThreshold float64) *Conversation {
	if pruneThreshold <= 0 || pruneThreshold > 1 {
		pruneThreshold = 0.9
	}
	return &Conversation{
		ID:             uuid.NewString(),
		Title:          title,
		MaxTokens:      maxTokens,
		MinRetainTurns: minRetainTurns,
		PruneThreshold: pruneThreshold,
	}
}

// AddUser appends a user message.
func (c *Conversation) AddUser(content string) *models.Message {
	msg := models.NewUserMessage(content)
	c.messages = append(c.messages, msg)
	return msg
}

// AddAssistant appends an assistant message, optionally with tool calls.
func (c *Conversation) AddAssistant(content string, toolCalls []models.ToolCall) *models.Message {
	msg := models.NewAssistantMessage(content, toolCalls)
	c.messages = append(c.messages, msg)
	return msg
}

// AddToolResult appends a tool-result message referencing toolCallID.
func (c *Conversation) AddToolResult(toolCallID, toolName, content string, isError bool) *models.Message {
	msg := models.NewToolMessage(toolCallID, toolName, content, isError)
	c.messages = append(c.messages, msg)
	return msg
}

// AddSystem appends a system message. Callers normally do this once, before
// any user message, so it sits in the leading system block pruning must
// always retain.
func (c *Conversation) AddSystem(content string) *models.Message {
	msg := models.NewSystemMessage(content)
	c.messages = append(c.messages, msg)
	return msg
}

// Messages returns the live message slice. Callers that hand these to a
// Provider MUST call Validate first; Messages itself performs no repair.
func (c *Conversation) Messages() []*models.Message {
	return c.messages
}

// ValidatedMessages returns Validate(Messages()) -- the sequence a Provider
// call must use.
func (c *Conversation) ValidatedMessages() []*models.Message {
	return Validate(c.messages)
}

// TokenEstimate sums the byte-length heuristic across all messages.
func (c *Conversation) TokenEstimate() int {
	total := 0
	for _, msg := range c.messages {
		total += messageOverheadTokens + len(msg.Content)/bytesPerToken
		for _, call := range msg.ToolCalls {
			total += len(call.Arguments) / bytesPerToken
		}
	}
	return total
}

// MaybePrune triggers pruning when the token estimate reaches
// PruneThreshold * MaxTokens, per spec.md §4.2. Pruning always retains the
// leading system block and the last MinRetainTurns user/assistant turns;
// it evicts whole turns from the middle, oldest first, re-validating after
// every drop so no orphan tool message survives. Returns the number of
// messages dropped.
func (c *Conversation) MaybePrune() int {
	if c.MaxTokens <= 0 {
		return 0
	}
	threshold := int(float64(c.MaxTokens) * c.PruneThreshold)
	if c.TokenEstimate() < threshold {
		return 0
	}

	before := len(c.messages)
	leadIdx := leadingSystemBlockEnd(c.messages)
	retainFromIdx := retainedTurnsStart(c.messages, leadIdx, c.MinRetainTurns)

	for c.TokenEstimate() >= threshold {
		chunkEnd := nextTurnChunkEnd(c.messages, leadIdx)
		if chunkEnd <= leadIdx || chunkEnd > retainFromIdx {
			// Only retained regions remain; stop even if over budget.
			break
		}
		c.messages = append(append([]*models.Message{}, c.messages[:leadIdx]...), c.messages[chunkEnd:]...)
		c.messages = Validate(c.messages)
		retainFromIdx -= chunkEnd - leadIdx
	}

	return before - len(c.messages)
}

// leadingSystemBlockEnd returns the index of the first non-system message.
func leadingSystemBlockEnd(messages []*models.Message) int {
	i := 0
	for i < len(messages) && messages[i].Role == models.RoleSystem {
		i++
	}
	return i
}

// retainedTurnsStart returns the index where the last minRetainTurns
// user-initiated turns begin, scanning backward from the end. A "turn" is
// one user message plus every subsequent non-user message up to the next
// user message.
func retainedTurnsStart(messages []*models.Message, from, minRetainTurns int) int {
	if minRetainTurns <= 0 {
		return len(messages)
	}
	turns := 0
	for i := len(messages) - 1; i >= from; i-- {
		if messages[i].Role == models.RoleUser {
			turns++
			if turns == minRetainTurns {
				return i
			}
		}
	}
	return from
}

// nextTurnChunkEnd returns the exclusive end index of the oldest turn
// starting at or after from (the first message after the leading system
// block). A turn spans from a user message up to (not including) the next
// user message; a malformed leading run with no user message is treated as
// one chunk ending at the next user message or the slice end.
func nextTurnChunkEnd(messages []*models.Message, from int) int {
	i := from
	if i < len(messages) && messages[i].Role == models.RoleUser {
		i++
	}
	for i < len(messages) && messages[i].Role != models.RoleUser {
		i++
	}
	return i
}

// ToolCallTimestamp is a small helper exposed for callers wanting RFC3339
// timestamps on derived records (e.g. the Conversation Store).
func ToolCallTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
