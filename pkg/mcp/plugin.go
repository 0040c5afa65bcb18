package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/intent"
	"github.com/jllopis/avva/pkg/skills"
)

// ToolCaller runs a tool on an MCP server.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ToolLister lists the tools an MCP server offers.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// Session is what a Plugin needs from a connected server.
type Session interface {
	ToolCaller
	ToolLister
}

// PluginConfig describes how a remote server appears in the registry.
type PluginConfig struct {
	Name        string
	Description string
	Permissions []string
	// Intents are phrase/call pairs; phrases starting with "regex:" are
	// regex intents and keep their order.
	Intents []skills.Template
	// Tools restricts the exposed tools. Empty exposes all of them.
	Tools []string
}

// Plugin exposes the tools of one MCP server as a skill plugin.
type Plugin struct {
	manifest skills.Manifest
	caller   ToolCaller
	remote   map[string]mcp.Tool // keyed by local tool id
}

// NewPlugin lists the server's tools and builds the manifest. Tool names
// that are not valid call-string identifiers are rewritten with
// underscores.
func NewPlugin(ctx context.Context, cfg PluginConfig, s Session) (*Plugin, error) {
	tools, err := s.ListTools(ctx)
	if err != nil {
		return nil, errors.New(errors.CodeProviderUnreachable, "list mcp tools", err).
			WithContext("plugin", cfg.Name)
	}

	allowed := map[string]bool{}
	for _, t := range cfg.Tools {
		allowed[t] = true
	}

	p := &Plugin{caller: s, remote: make(map[string]mcp.Tool)}
	m := skills.Manifest{
		Name:        cfg.Name,
		EntryPoint:  cfg.Name,
		Description: cfg.Description,
		Permissions: cfg.Permissions,
		Tools:       make(map[string]skills.ToolSpec),
	}
	for _, t := range tools {
		if len(allowed) > 0 && !allowed[t.Name] {
			continue
		}
		id := ToolID(t.Name)
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			desc = t.Name
		}
		m.Tools[id] = skills.ToolSpec{Description: desc}
		p.remote[id] = t
	}
	for _, in := range cfg.Intents {
		if strings.HasPrefix(in.Key, intent.RegexPrefix) {
			m.Intents.Regex = append(m.Intents.Regex, in)
		} else {
			m.Intents.Static = append(m.Intents.Static, in)
		}
	}
	p.manifest = m
	return p, nil
}

// ToolID turns an MCP tool name into a call-string identifier.
func ToolID(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Describe implements skills.Plugin.
func (p *Plugin) Describe() skills.Manifest { return p.manifest }

// Bind implements skills.Plugin.
func (p *Plugin) Bind() map[string]skills.ToolFunc {
	out := make(map[string]skills.ToolFunc, len(p.remote))
	for id, tool := range p.remote {
		tool := tool
		out[id] = func(ctx context.Context, in skills.Input) (any, error) {
			args, err := Arguments(tool, in)
			if err != nil {
				return nil, err
			}
			res, err := p.caller.CallTool(ctx, tool.Name, args)
			if err != nil {
				return nil, err
			}
			return resultValue(res)
		}
	}
	return out
}

// Arguments maps call-string input onto the tool's input schema. Named
// values go to their property; positional values fill required properties
// first, then the remaining ones in name order.
func Arguments(tool mcp.Tool, in skills.Input) (map[string]any, error) {
	args := make(map[string]any, len(in.Args)+len(in.Named))
	for k, v := range in.Named {
		args[k] = coerce(tool, k, v)
	}

	order := positional(tool)
	i := 0
	for _, v := range in.Args {
		for i < len(order) {
			if _, taken := args[order[i]]; !taken {
				break
			}
			i++
		}
		if i == len(order) {
			if len(order) == 0 && len(in.Args) == 1 {
				args["input"] = v
				break
			}
			return nil, fmt.Errorf("%s takes at most %d arguments", tool.Name, len(order))
		}
		args[order[i]] = coerce(tool, order[i], v)
		i++
	}

	for _, key := range tool.InputSchema.Required {
		if _, ok := args[key]; !ok {
			return nil, fmt.Errorf("%s: missing required argument %q", tool.Name, key)
		}
	}
	return args, nil
}

func positional(tool mcp.Tool) []string {
	seen := make(map[string]bool)
	order := make([]string, 0, len(tool.InputSchema.Properties))
	for _, k := range tool.InputSchema.Required {
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}
	rest := make([]string, 0, len(tool.InputSchema.Properties))
	for k := range tool.InputSchema.Properties {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// coerce converts a string to the JSON type the schema declares for key.
func coerce(tool mcp.Tool, key, value string) any {
	prop, _ := tool.InputSchema.Properties[key].(map[string]any)
	switch prop["type"] {
	case "integer", "number", "boolean", "array", "object":
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	}
	return value
}

// resultValue turns a tool result into a skill result: structured content
// as a map, otherwise the joined text.
func resultValue(res *mcp.CallToolResult) (any, error) {
	if res == nil {
		return nil, fmt.Errorf("empty mcp tool result")
	}
	text := textContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, fmt.Errorf("%s", text)
	}
	if m, ok := res.StructuredContent.(map[string]any); ok {
		return m, nil
	}
	return text, nil
}

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch c := item.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ skills.Plugin = (*Plugin)(nil)
