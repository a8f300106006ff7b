// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPBackend serves tools from an external MCP server. The server process
// is the natural isolation boundary for this backend kind: a crash there
// surfaces as a transport error, never as a host fault.
type MCPBackend struct {
	mcpClient  client.MCPClient
	capability Capability
	// sideEffecting lists tool names whose invocations must not be
	// retried or silently deduplicated.
	sideEffecting map[string]struct{}
}

// MCPOption configures an MCPBackend.
type MCPOption func(*MCPBackend)

// WithMCPCapability sets the capability class all served tools require.
func WithMCPCapability(c Capability) MCPOption {
	return func(b *MCPBackend) {
		if _, ok := knownCapabilities[c]; ok {
			b.capability = c
		}
	}
}

// WithSideEffectingTools marks tools that trigger external side effects.
func WithSideEffectingTools(names ...string) MCPOption {
	return func(b *MCPBackend) {
		for _, name := range names {
			b.sideEffecting[name] = struct{}{}
		}
	}
}

// NewMCPBackend wraps an initialized MCP client.
func NewMCPBackend(c client.MCPClient, opts ...MCPOption) *MCPBackend {
	b := &MCPBackend{
		mcpClient:     c,
		capability:    CapabilityNetwork,
		sideEffecting: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewMCPBackendStdio spawns an MCP server subprocess and connects over stdio.
func NewMCPBackendStdio(ctx context.Context, command string, args []string, opts ...MCPOption) (*MCPBackend, error) {
	stdioClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, err
	}
	if err := initMCPClient(ctx, stdioClient); err != nil {
		stdioClient.Close()
		return nil, err
	}
	return NewMCPBackend(stdioClient, opts...), nil
}

// NewMCPBackendHTTP connects to an MCP server over streamable HTTP.
func NewMCPBackendHTTP(ctx context.Context, url string, opts ...MCPOption) (*MCPBackend, error) {
	httpClient, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, err
	}
	if err := httpClient.Start(ctx); err != nil {
		return nil, err
	}
	if err := initMCPClient(ctx, httpClient); err != nil {
		httpClient.Close()
		return nil, err
	}
	return NewMCPBackend(httpClient, opts...), nil
}

func initMCPClient(ctx context.Context, c client.MCPClient) error {
	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "nexus-host",
		Version: "0.1.0",
	}
	_, err := c.Initialize(ictx, initRequest)
	return err
}

// Tools implements Backend by listing the server's tools.
func (b *MCPBackend) Tools(ctx context.Context) ([]ToolSpec, error) {
	resp, err := b.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	specs := make([]ToolSpec, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		_, effecting := b.sideEffecting[tool.Name]
		specs = append(specs, ToolSpec{
			Name:          tool.Name,
			Description:   tool.Description,
			Capability:    b.capability,
			SideEffecting: effecting,
		})
	}
	return specs, nil
}

// Invoke implements Backend.
func (b *MCPBackend) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	result, err := b.mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	return mcpResultToOutput(result)
}

// Close implements Backend.
func (b *MCPBackend) Close() error {
	return b.mcpClient.Close()
}

func mcpResultToOutput(result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.New("mcp tool result is nil")
	}
	if result.IsError {
		return nil, fmt.Errorf("mcp tool returned error: %s", extractTextContent(result.Content))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	if text := extractTextContent(result.Content); text != "" {
		return text, nil
	}
	return result, nil
}

func extractTextContent(items []mcp.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// MCPFactory builds MCP backends from manifest entry points. An HTTP(S)
// target connects over streamable HTTP; anything else is treated as a
// command to spawn with the entry point args as argv. A "capability=<name>"
// arg overrides the default network capability class.
func MCPFactory(ctx context.Context, ep EntryPoint) (Backend, error) {
	var opts []MCPOption
	var argv []string
	for _, arg := range ep.Args {
		if cap, ok := strings.CutPrefix(arg, "capability="); ok {
			opts = append(opts, WithMCPCapability(Capability(cap)))
			continue
		}
		if tools, ok := strings.CutPrefix(arg, "side_effecting="); ok {
			opts = append(opts, WithSideEffectingTools(strings.Split(tools, ",")...))
			continue
		}
		argv = append(argv, arg)
	}
	if strings.HasPrefix(ep.Target, "http://") || strings.HasPrefix(ep.Target, "https://") {
		return NewMCPBackendHTTP(ctx, ep.Target, opts...)
	}
	return NewMCPBackendStdio(ctx, ep.Target, argv, opts...)
}
