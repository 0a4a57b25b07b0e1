// Package conversation implements the ordered message log, its sequence
// validator, and token-budget pruning.
package conversation

import "github.com/xbcsmith/xzatoma/pkg/models"

// Validate restores message-sequence coherence: every tool message must
// reference a tool-call id declared by an earlier assistant message in the
// same sequence; all other messages survive unchanged, preserving order.
//
// Validate is pure, total, and idempotent: Validate(Validate(m)) equals
// Validate(m) element-for-element. It never fails and never mutates its
// input; callers receive a fresh slice.
//
// Grounded on the teacher's repairTranscript: walk once, tracking the set
// of tool-call ids declared by the most recent assistant message. A tool
// message whose id does not appear in that set is an orphan and is
// dropped. The pending set is cleared whenever a new assistant message is
// seen (the teacher's clearPending, called unconditionally at the top of
// its RoleAssistant case), so only the immediately preceding assistant
// message's calls ever count as live -- a superseded assistant message's
// tool-call ids stop matching the moment a later assistant message
// appears, even with no intervening tool result.
func Validate(messages []*models.Message) []*models.Message {
	pending := make(map[string]struct{})
	out := make([]*models.Message, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			for k := range pending {
				delete(pending, k)
			}
			for _, call := range msg.ToolCalls {
				pending[call.ID] = struct{}{}
			}
			out = append(out, msg)

		case models.RoleTool:
			id := msg.ToolCallID
			if id == "" {
				id = repairToolCallID(msg, pending)
			}
			if _, ok := pending[id]; !ok {
				// Orphan: no assistant tool-call produced this id.
				continue
			}
			delete(pending, id)
			if id != msg.ToolCallID {
				repaired := msg.Clone()
				repaired.ToolCallID = id
				out = append(out, repaired)
				continue
			}
			out = append(out, msg)

		default:
			out = append(out, msg)
		}
	}

	return out
}

// repairToolCallID implements the best-effort auto-repair supplemented from
// the teacher: a tool message with a blank id is mapped to the single
// pending call id, if and only if exactly one is outstanding. An ambiguous
// or empty pending set leaves the id blank, so the message is dropped as an
// orphan by the caller -- repair never invents an id that isn't already
// pending.
func repairToolCallID(msg *models.Message, pending map[string]struct{}) string {
	if len(pending) != 1 {
		return msg.ToolCallID
	}
	for id := range pending {
		return id
	}
	return msg.ToolCallID
}
