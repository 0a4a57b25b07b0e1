package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"github.com/xbcsmith/xzatoma/internal/tooling"
)

// maxToolNameLen bounds a bridged tool's registered name. tooling.Registry
// itself allows up to tooling.MaxNameLength, but MCP tool names flow
// straight into a provider's function-call schema, and several providers
// cap function names well under that ceiling -- 72 leaves headroom for the
// "mcp_<server>_" prefix and an 9-byte disambiguation suffix without
// reaching toward the registry's own limit.
const maxToolNameLen = 72

// namePartPattern matches any run of characters that isn't an ASCII
// letter or digit, collapsed to a single separator by sanitizeToolPart.
// Server and tool identifiers coming out of MCP are expected to be plain
// ASCII slugs in practice, so this trades the teacher's full-Unicode
// rune walk for a simpler, narrower rule.
var namePartPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Bridge exposes one or more connected MCP Sessions' tools, resources, and
// prompts as entries in an internal/tooling.Registry -- spec.md §2's "MCP
// client is a specialized provider of tools: its tools/list feeds the
// registry; its tools/call implements the handler."
//
// Grounded on the teacher's internal/mcp.ToolBridge/RegisterToolsWithRegistrar
// (bridge.go), generalized from the teacher's agent.Runtime/Manager pairing
// to register directly into a tooling.Registry and to hold Sessions instead
// of a YAML-configured Manager.
type Bridge struct {
	sessions map[string]*Session
}

// NewBridge creates a Bridge with no sessions attached.
func NewBridge() *Bridge {
	return &Bridge{sessions: make(map[string]*Session)}
}

// AddSession attaches a connected Session under serverID, making its tools,
// resources, and prompts eligible for RegisterAll.
func (b *Bridge) AddSession(serverID string, session *Session) {
	b.sessions[serverID] = session
}

// RegisterAll registers every attached session's tools as individually
// named registry entries (mcp_<server>_<tool>, collision-safe), plus one
// resources/prompts list+read/get tool pair per server. It returns the
// registered names in registration order.
func (b *Bridge) RegisterAll(reg *tooling.Registry) []string {
	var registered []string
	used := make(map[string]struct{})

	for _, serverID := range b.sortedServerIDs() {
		session := b.sessions[serverID]
		for _, tool := range sortedTools(session.Tools()) {
			tool := tool
			name := safeToolName(serverID, tool.Name, used)
			description := toolDescription(serverID, tool)
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			handler := func(ctx context.Context, arguments json.RawMessage) (string, error) {
				result, err := session.CallTool(ctx, tool.Name, arguments)
				if err != nil {
					return "", err
				}
				content, isError := formatToolCallResult(result)
				if isError {
					return content, fmt.Errorf("mcp tool %s.%s reported an error", serverID, tool.Name)
				}
				return content, nil
			}
			if err := reg.Register(name, description, schema, handler); err == nil {
				registered = append(registered, name)
			}
		}

		registered = append(registered, b.registerResourceAndPromptTools(reg, serverID, session, used)...)
	}
	return registered
}

func (b *Bridge) registerResourceAndPromptTools(reg *tooling.Registry, serverID string, session *Session, used map[string]struct{}) []string {
	var registered []string

	resListName := safeToolName(serverID, "resources_list", used)
	if err := reg.Register(resListName, fmt.Sprintf("List MCP resources for %s", serverID),
		json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, _ json.RawMessage) (string, error) {
			resources, err := session.ListResources(ctx)
			if err != nil {
				return "", err
			}
			payload, err := json.Marshal(resources)
			return string(payload), err
		}); err == nil {
		registered = append(registered, resListName)
	}

	resReadName := safeToolName(serverID, "resource_read", used)
	if err := reg.Register(resReadName, fmt.Sprintf("Read an MCP resource from %s (provide uri)", serverID),
		json.RawMessage(`{"type":"object","properties":{"uri":{"type":"string"}},"required":["uri"]}`),
		func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var input struct {
				URI string `json:"uri"`
			}
			if err := json.Unmarshal(arguments, &input); err != nil {
				return "", err
			}
			if strings.TrimSpace(input.URI) == "" {
				return "", fmt.Errorf("uri is required")
			}
			contents, err := session.ReadResource(ctx, input.URI)
			if err != nil {
				return "", err
			}
			content, _ := formatResourceContents(contents)
			return content, nil
		}); err == nil {
		registered = append(registered, resReadName)
	}

	promptListName := safeToolName(serverID, "prompts_list", used)
	if err := reg.Register(promptListName, fmt.Sprintf("List MCP prompts for %s", serverID),
		json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, _ json.RawMessage) (string, error) {
			prompts, err := session.ListPrompts(ctx)
			if err != nil {
				return "", err
			}
			payload, err := json.Marshal(prompts)
			return string(payload), err
		}); err == nil {
		registered = append(registered, promptListName)
	}

	promptGetName := safeToolName(serverID, "prompt_get", used)
	if err := reg.Register(promptGetName, fmt.Sprintf("Fetch an MCP prompt from %s (provide name, arguments)", serverID),
		json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"arguments":{"type":"object"}},"required":["name"]}`),
		func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var input struct {
				Name      string            `json:"name"`
				Arguments map[string]string `json:"arguments,omitempty"`
			}
			if err := json.Unmarshal(arguments, &input); err != nil {
				return "", err
			}
			if strings.TrimSpace(input.Name) == "" {
				return "", fmt.Errorf("name is required")
			}
			result, err := session.GetPrompt(ctx, input.Name, input.Arguments)
			if err != nil {
				return "", err
			}
			content, _ := formatPromptResult(result)
			return content, nil
		}); err == nil {
		registered = append(registered, promptGetName)
	}

	return registered
}

func (b *Bridge) sortedServerIDs() []string {
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedTools(tools []*Tool) []*Tool {
	out := make([]*Tool, len(tools))
	copy(out, tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toolDescription(serverID string, tool *Tool) string {
	desc := strings.TrimSpace(tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", serverID, tool.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", serverID, tool.Name, desc)
}

// safeToolName derives a registry-safe name from serverID and toolName,
// then hands any length overflow or collision off to disambiguate.
func safeToolName(serverID, toolName string, used map[string]struct{}) string {
	base := "mcp_" + sanitizeToolPart(serverID) + "_" + sanitizeToolPart(toolName)
	name := disambiguate(base, serverID, toolName, used)
	used[name] = struct{}{}
	return name
}

// sanitizeToolPart lowercases value and collapses every run of
// non-alphanumeric characters into a single underscore, trimming leading
// and trailing underscores. An input with no alphanumeric characters at
// all falls back to "tool" so safeToolName never produces a bare "mcp__".
func sanitizeToolPart(value string) string {
	collapsed := namePartPattern.ReplaceAllString(strings.ToLower(value), "_")
	trimmed := strings.Trim(collapsed, "_")
	if trimmed == "" {
		return "tool"
	}
	return trimmed
}

// toolNameHash derives an 8-hex-digit disambiguation suffix from the
// original (unsanitized) server/tool pair, using FNV-1a rather than a
// cryptographic hash -- nothing here is security sensitive, the suffix
// only needs to be stable and cheap to compute.
func toolNameHash(serverID, toolName string) string {
	h := fnv.New32a()
	h.Write([]byte(serverID))
	h.Write([]byte{0})
	h.Write([]byte(toolName))
	return fmt.Sprintf("%08x", h.Sum32())
}

// disambiguate folds the teacher's separate truncate-for-length and
// dedupe-for-collision steps into a single pass: whichever condition
// applies (base too long, or base already claimed by an earlier tool),
// the same hashed-and-trimmed form is produced. A hashed form that is
// itself already claimed is returned as is; it is not checked again.
func disambiguate(base, serverID, toolName string, used map[string]struct{}) string {
	name := base
	if len(name) > maxToolNameLen {
		name = hashedTrim(base, serverID, toolName)
	}
	if _, collides := used[name]; collides {
		name = hashedTrim(base, serverID, toolName)
	}
	return name
}

func hashedTrim(base, serverID, toolName string) string {
	suffix := "_" + toolNameHash(serverID, toolName)
	if len(suffix) >= maxToolNameLen {
		return suffix[len(suffix)-maxToolNameLen:]
	}
	budget := maxToolNameLen - len(suffix)
	if budget > len(base) {
		budget = len(base)
	}
	return base[:budget] + suffix
}

// formatToolCallResult renders a tools/call result as plain text when
// every content item is non-binary text, joined with newlines; an empty
// content list yields an empty string; any other shape (images, mixed
// content, text items that are all empty) falls back to a raw JSON
// encoding so no data is silently dropped.
func formatToolCallResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if texts, allText := collectText(result.Content); allText && len(texts) > 0 {
		return strings.Join(texts, "\n"), result.IsError
	}
	if len(result.Content) == 0 {
		return "", result.IsError
	}
	return marshalOrEmpty(result), result.IsError
}

// collectText returns every non-empty text item's content, and whether
// every item in items was itself a text item (regardless of emptiness).
func collectText(items []ToolResultContent) ([]string, bool) {
	texts := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type != "text" {
			return nil, false
		}
		if item.Text != "" {
			texts = append(texts, item.Text)
		}
	}
	return texts, true
}

func formatResourceContents(contents []*ResourceContent) (string, bool) {
	switch {
	case len(contents) == 0:
		return "", false
	case len(contents) == 1 && contents[0].Text != "":
		return contents[0].Text, false
	default:
		return marshalOrEmpty(contents), false
	}
}

func formatPromptResult(result *GetPromptResult) (string, bool) {
	if result == nil || len(result.Messages) == 0 {
		return "", false
	}
	switch {
	case len(result.Messages) == 1 && result.Messages[0].Content.Type == "text":
		return result.Messages[0].Content.Text, false
	default:
		return marshalOrEmpty(result.Messages), false
	}
}

func marshalOrEmpty(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(payload)
}
