package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/avva/pkg/assistant"
	"github.com/jllopis/avva/pkg/skills"
)

// Invoker runs a registered tool through the permission gate.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args []string, named map[string]string) assistant.Reply
}

// Server publishes registry tools to MCP clients.
type Server struct {
	mcpServer *server.MCPServer
	invoker   Invoker
	logger    *slog.Logger
}

// NewServer registers one MCP tool per binding. Each tool takes an "args"
// array of positional values; any other string property is passed as a
// named argument.
func NewServer(name, version string, tools []skills.Binding, invoker Invoker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		invoker:   invoker,
		logger:    logger.With("component", "mcp"),
	}
	for _, b := range tools {
		desc := b.Description
		if len(b.Permissions) > 0 {
			desc += " (requires " + strings.Join(b.Permissions, ", ") + ")"
		}
		tool := mcp.NewTool(b.ID,
			mcp.WithDescription(desc),
			mcp.WithArray("args",
				mcp.Description("Positional arguments, in call order"),
				mcp.Items(map[string]any{"type": "string"}),
			),
		)
		s.mcpServer.AddTool(tool, s.handler(b.ID))
	}
	return s
}

func (s *Server) handler(id string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, named := splitArguments(req.Params.Arguments)
		reply := s.invoker.Invoke(ctx, id, args, named)
		s.logger.Info("mcp tool call", "tool", id, "call", reply.Call, "error", reply.Err)
		return toolResult(reply), nil
	}
}

func splitArguments(raw any) ([]string, map[string]string) {
	m, _ := raw.(map[string]any)
	var args []string
	named := make(map[string]string)
	for k, v := range m {
		if k == "args" {
			if list, ok := v.([]any); ok {
				for _, item := range list {
					args = append(args, stringify(item))
				}
			}
			continue
		}
		named[k] = stringify(v)
	}
	return args, named
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func toolResult(r assistant.Reply) *mcp.CallToolResult {
	res := &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: r.Text}},
		IsError: r.Err != nil,
	}
	if r.Data != nil {
		res.StructuredContent = r.Data
	}
	return res
}

// Serve speaks MCP over in/out until ctx ends or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}
