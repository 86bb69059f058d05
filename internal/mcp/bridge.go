// Package mcp bridges Model Context Protocol tool servers into the voice
// runtime: each tool a connected server advertises becomes a function tool
// the agent's model can call mid-conversation.
//
// Connections use the official MCP Go SDK over stdio or streamable-HTTP
// transports. The bridge keeps one client with one session per server and
// is safe for concurrent use.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/voice"
)

// Bridge holds live MCP server sessions and the tools imported from them.
type Bridge struct {
	client *mcpsdk.Client

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession // server name → session
	tools    map[string]string                // tool name → server name
	defs     map[string]llm.ToolDefinition
}

// NewBridge creates an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "cadenza", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
		tools:    make(map[string]string),
		defs:     make(map[string]llm.ToolDefinition),
	}
}

// Connect establishes a session to the server described by cfg and imports
// its tool catalogue. A server with the same name replaces the old
// connection.
func (b *Bridge) Connect(ctx context.Context, cfg config.MCPServerConfig) error {
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case "stdio":
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
		}
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case "http":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, srv := range b.tools {
			if srv == cfg.Name {
				delete(b.tools, name)
				delete(b.defs, name)
			}
		}
	}
	b.sessions[cfg.Name] = session
	for _, t := range discovered {
		b.tools[t.Name] = cfg.Name
		b.defs[t.Name] = llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		}
	}
	return nil
}

// FunctionTools returns every imported tool wrapped as a voice function
// tool that routes execution back through its server session.
func (b *Bridge) FunctionTools() []voice.FunctionTool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]voice.FunctionTool, 0, len(b.defs))
	for name, def := range b.defs {
		name := name
		out = append(out, voice.FunctionTool{
			Definition: def,
			Execute: func(ctx context.Context, rc voice.RunContext, rawArgs string) (any, error) {
				return b.call(ctx, name, rawArgs)
			},
		})
	}
	return out
}

// call executes one imported tool on its server.
func (b *Bridge) call(ctx context.Context, name, rawArgs string) (string, error) {
	b.mu.RLock()
	serverName, ok := b.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = b.sessions[serverName]
	}
	b.mu.RUnlock()
	if session == nil {
		return "", fmt.Errorf("mcp: no session for tool %q", name)
	}

	var argsMap map[string]any
	if rawArgs != "" && rawArgs != "{}" {
		if err := json.Unmarshal([]byte(rawArgs), &argsMap); err != nil {
			return "", fmt.Errorf("mcp: invalid args for tool %q: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: argsMap})
	if err != nil {
		return "", fmt.Errorf("mcp: call %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcp: tool %q reported error: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close terminates every server session. Idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.sessions, name)
	}
	return first
}

// splitCommand splits a configured command line into executable and args.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// schemaToMap normalizes an SDK tool input schema to the map shape provider
// requests expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
