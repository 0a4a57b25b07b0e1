package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xbcsmith/xzatoma/internal/jsonrpc"
	"github.com/xbcsmith/xzatoma/internal/tooling"
)

func connectedSessionWithTools(t *testing.T, tools []*Tool) *Session {
	t.Helper()
	s, cleanup := newSessionUnderTest(t, func(method string, id, params json.RawMessage) (json.RawMessage, *jsonrpc.ResponseError) {
		switch method {
		case "tools/call":
			var p CallToolParams
			json.Unmarshal(params, &p)
			result, _ := json.Marshal(ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "ran " + p.Name}}})
			return result, nil
		case "resources/list":
			result, _ := json.Marshal(ListResourcesResult{Resources: []*Resource{{URI: "file:///a", Name: "a"}}})
			return result, nil
		case "resources/read":
			result, _ := json.Marshal(ReadResourceResult{Contents: []*ResourceContent{{URI: "file:///a", Text: "contents"}}})
			return result, nil
		case "prompts/list":
			result, _ := json.Marshal(ListPromptsResult{Prompts: []*Prompt{{Name: "greet"}}})
			return result, nil
		case "prompts/get":
			result, _ := json.Marshal(GetPromptResult{Messages: []PromptMessage{{Role: "user", Content: MessageContent{Type: "text", Text: "hi"}}}})
			return result, nil
		}
		return json.RawMessage(`null`), nil
	})
	t.Cleanup(cleanup)
	s.tools = tools
	return s
}

func TestBridge_RegisterAll_RegistersOneEntryPerTool(t *testing.T) {
	session := connectedSessionWithTools(t, []*Tool{
		{Name: "search", Description: "search the web"},
		{Name: "fetch", Description: "fetch a url"},
	})

	b := NewBridge()
	b.AddSession("web", session)
	reg := tooling.NewRegistry()
	registered := b.RegisterAll(reg)

	wantNames := map[string]bool{
		"mcp_web_fetch": false, "mcp_web_search": false,
		"mcp_web_resources_list": false, "mcp_web_resource_read": false,
		"mcp_web_prompts_list": false, "mcp_web_prompt_get": false,
	}
	for _, name := range registered {
		if _, ok := wantNames[name]; !ok {
			t.Errorf("unexpected registered name %q", name)
		}
		wantNames[name] = true
	}
	for name, seen := range wantNames {
		if !seen {
			t.Errorf("expected %q to be registered", name)
		}
	}
}

func TestBridge_ToolHandler_CallsSessionAndFormatsResult(t *testing.T) {
	session := connectedSessionWithTools(t, []*Tool{{Name: "search"}})

	b := NewBridge()
	b.AddSession("web", session)
	reg := tooling.NewRegistry()
	b.RegisterAll(reg)

	result, err := reg.Execute(context.Background(), "mcp_web_search", json.RawMessage(`{"q":"go"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "ran search" {
		t.Errorf("result = %q, want %q", result, "ran search")
	}
}

func TestBridge_ResourceReadTool_RequiresURI(t *testing.T) {
	session := connectedSessionWithTools(t, nil)

	b := NewBridge()
	b.AddSession("web", session)
	reg := tooling.NewRegistry()
	b.RegisterAll(reg)

	_, err := reg.Execute(context.Background(), "mcp_web_resource_read", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("Execute() error = nil, want error for missing uri")
	}
}

func TestBridge_ResourceReadTool_ReturnsText(t *testing.T) {
	session := connectedSessionWithTools(t, nil)

	b := NewBridge()
	b.AddSession("web", session)
	reg := tooling.NewRegistry()
	b.RegisterAll(reg)

	result, err := reg.Execute(context.Background(), "mcp_web_resource_read", json.RawMessage(`{"uri":"file:///a"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "contents" {
		t.Errorf("result = %q, want contents", result)
	}
}

func TestSafeToolName_TruncatesAndDedupesLongNames(t *testing.T) {
	used := make(map[string]struct{})
	longServer := strings.Repeat("server", 10)
	name1 := safeToolName(longServer, "do_thing", used)
	if len(name1) > maxToolNameLen {
		t.Fatalf("name1 len = %d, want <= %d", len(name1), maxToolNameLen)
	}
	name2 := safeToolName(longServer, "do_thing_2", used)
	if name1 == name2 {
		t.Fatalf("expected distinct names for distinct tools, got %q twice", name1)
	}
}

func TestFormatToolCallResult_CombinesTextContent(t *testing.T) {
	result := &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}}
	text, isError := formatToolCallResult(result)
	if text != "a\nb" || isError {
		t.Errorf("formatToolCallResult() = (%q, %v), want (\"a\\nb\", false)", text, isError)
	}
}
