package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xbcsmith/xzatoma/internal/jsonrpc"
	"github.com/xbcsmith/xzatoma/internal/mcp/stdio"
)

// ProtocolVersion is the version this client requests during initialize.
// spec.md §4.10 names "2025-11-25" with a documented fallback to
// "2025-03-26" -- both differ from the teacher's hardcoded "2024-11-05".
const (
	ProtocolVersion         = "2025-11-25"
	ProtocolVersionFallback = "2025-03-26"
)

// ErrTransportClosed is the McpTransportClosed taxonomy entry from spec.md
// §7: every pending request resolves as an error and the read loop exits.
var ErrTransportClosed = fmt.Errorf("mcp: %w", jsonrpc.ErrClosed)

// Session is one connected MCP server: a jsonrpc.Client layered over a
// stdio.Transport, exposing the typed protocol methods from spec.md §4.10.
//
// Grounded on the teacher's internal/mcp.Client (client.go), restructured
// so the subprocess/framing concerns (stdio.Transport) and the JSON-RPC
// correlation concerns (jsonrpc.Client) are injected rather than fused.
type Session struct {
	config    *ServerConfig
	transport *stdio.Transport
	rpc       *jsonrpc.Client
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	resources  []*Resource
	prompts    []*Prompt
	serverInfo ServerInfo

	onSamplingRequest SamplingHandler
}

// SamplingHandler answers a server-initiated sampling/createMessage
// request. spec.md does not name sampling as a hard-core operation; this
// hook exists because the teacher's client supports it and a provider of
// tools built on MCP plausibly needs it -- see SPEC_FULL.md's supplemented
// features.
type SamplingHandler func(ctx context.Context, req *SamplingRequest) (*SamplingResponse, error)

// NewSession creates an unconnected Session for cfg.
func NewSession(cfg *ServerConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{config: cfg, logger: logger.With("mcp_server", cfg.ID)}
}

// OnSamplingRequest installs the sampling handler. Must be called before
// Connect.
func (s *Session) OnSamplingRequest(handler SamplingHandler) {
	s.onSamplingRequest = handler
}

// Connect starts the child process, performs the initialize handshake
// (falling back to ProtocolVersionFallback if the server rejects
// ProtocolVersion), sends notifications/initialized, and refreshes the
// cached tools/resources/prompts lists.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	transport := stdio.New(stdio.Config{
		Command: s.config.Command,
		Args:    s.config.Args,
		Env:     s.config.Env,
		WorkDir: s.config.WorkDir,
	}, s.logger)
	if err := transport.Start(); err != nil {
		return fmt.Errorf("mcp: start transport: %w", err)
	}
	s.transport = transport

	rpc := jsonrpc.New(transport.Writer(), s.logger)
	rpc.OnNotification(s.handleNotification)
	rpc.OnRequest(s.handlePeerRequest)
	s.rpc = rpc
	go rpc.Start(transport.Reader())

	if err := s.initialize(ctx); err != nil {
		s.transport.Close()
		return err
	}

	if err := s.rpc.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Warn("mcp: failed to send initialized notification", "error", err)
	}

	if err := s.RefreshCapabilities(ctx); err != nil {
		s.logger.Warn("mcp: failed to refresh capabilities", "error", err)
	}
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	result, err := s.callInitialize(ctx, ProtocolVersion)
	if err != nil {
		s.logger.Warn("mcp: initialize with primary protocol version failed, retrying with fallback",
			"primary", ProtocolVersion, "fallback", ProtocolVersionFallback, "error", err)
		result, err = s.callInitialize(ctx, ProtocolVersionFallback)
		if err != nil {
			return fmt.Errorf("mcp: initialize: %w", err)
		}
	}
	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()
	s.logger.Info("mcp: connected", "server", result.ServerInfo.Name, "protocol", result.ProtocolVersion)
	return nil
}

func (s *Session) callInitialize(ctx context.Context, protocolVersion string) (*InitializeResult, error) {
	raw, err := s.rpc.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"roots": map[string]any{"listChanged": true}},
		"clientInfo":      ClientInfo{Name: "xzatoma", Version: "1.0.0"},
	})
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}
	return &result, nil
}

// Close terminates the child process and its background read loop.
func (s *Session) Close() error {
	if s.transport == nil {
		return nil
	}
	return s.transport.Close()
}

// ServerInfo returns the connected server's identity.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// RefreshCapabilities re-lists tools, resources, and prompts.
func (s *Session) RefreshCapabilities(ctx context.Context) error {
	tools, err := s.ListTools(ctx)
	if err == nil {
		s.mu.Lock()
		s.tools = tools
		s.mu.Unlock()
	}
	resources, err := s.ListResources(ctx)
	if err == nil {
		s.mu.Lock()
		s.resources = resources
		s.mu.Unlock()
	}
	prompts, err := s.ListPrompts(ctx)
	if err == nil {
		s.mu.Lock()
		s.prompts = prompts
		s.mu.Unlock()
	}
	return nil
}

// Tools returns the last refreshed tool list.
func (s *Session) Tools() []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools
}

// ListTools calls tools/list.
func (s *Session) ListTools(ctx context.Context) ([]*Tool, error) {
	raw, err := s.rpc.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool calls tools/call.
func (s *Session) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	raw, err := s.rpc.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/call result: %w", err)
	}
	return &result, nil
}

// ListResources calls resources/list.
func (s *Session) ListResources(ctx context.Context) ([]*Resource, error) {
	raw, err := s.rpc.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var result ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource calls resources/read.
func (s *Session) ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	raw, err := s.rpc.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse resources/read result: %w", err)
	}
	return result.Contents, nil
}

// ListPrompts calls prompts/list.
func (s *Session) ListPrompts(ctx context.Context) ([]*Prompt, error) {
	raw, err := s.rpc.Call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var result ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt calls prompts/get.
func (s *Session) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error) {
	raw, err := s.rpc.Call(ctx, "prompts/get", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse prompts/get result: %w", err)
	}
	return &result, nil
}

// Ping calls the MCP ping method, which expects an empty result.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.rpc.Call(ctx, "ping", nil)
	return err
}

// handleNotification is the dispatch point for server-initiated
// notifications (no id, no reply expected). sampling/createMessage is not
// handled here: MCP servers send it as an id-bearing request expecting a
// reply, so it is answered via handlePeerRequest instead.
func (s *Session) handleNotification(n *jsonrpc.Notification) {
	s.logger.Debug("mcp: unhandled notification", "method", n.Method)
}

// handlePeerRequest answers a server-initiated, id-bearing request.
// sampling/createMessage is the only one spec.md's supplemented features
// name; any other method is rejected with a method-not-found error rather
// than left unanswered, matching MCP's request/reply contract.
func (s *Session) handlePeerRequest(req *jsonrpc.PeerRequest) (any, *jsonrpc.ResponseError) {
	if req.Method != "sampling/createMessage" {
		return nil, &jsonrpc.ResponseError{Code: -32601, Message: "method not found: " + req.Method}
	}
	if s.onSamplingRequest == nil {
		return nil, &jsonrpc.ResponseError{Code: -32000, Message: "sampling not supported by this client"}
	}

	var sreq SamplingRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &sreq); err != nil {
			return nil, &jsonrpc.ResponseError{Code: -32602, Message: "invalid params: " + err.Error()}
		}
	}

	resp, err := s.onSamplingRequest(context.Background(), &sreq)
	if err != nil {
		return nil, &jsonrpc.ResponseError{Code: -32000, Message: err.Error()}
	}
	return resp, nil
}
