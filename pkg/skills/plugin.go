// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package skills

import (
	"context"
	"strconv"
	"strings"
)

// Input carries the arguments of a tool invocation. Intent matches only
// supply positional values; provider extractions also supply names.
type Input struct {
	Args  []string
	Named map[string]string
}

// Arg returns the named argument when present, else the positional one at i.
func (in Input) Arg(i int, name string) string {
	if name != "" {
		if v, ok := in.Named[name]; ok {
			return v
		}
	}
	if i >= 0 && i < len(in.Args) {
		return in.Args[i]
	}
	return ""
}

// Int parses an argument as an integer, returning def when absent or invalid.
func (in Input) Int(i int, name string, def int) int {
	v := strings.TrimSpace(in.Arg(i, name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ToolFunc is a bound tool. A map[string]any result is treated as structured
// output by the assistant; anything else is rendered as text.
type ToolFunc func(ctx context.Context, in Input) (any, error)

// Plugin is the registration contract every skill implements.
type Plugin interface {
	Describe() Manifest
	Bind() map[string]ToolFunc
}

// Catalog maps entry points to compiled-in plugins.
type Catalog map[string]Plugin

// Binding is a registered tool. It is created at load time and never mutated.
type Binding struct {
	ID          string
	Plugin      string
	Description string
	Permissions []string
	Func        ToolFunc
}

// manifestOverride serves a manifest read from disk while binding the
// callables of a compiled-in plugin.
type manifestOverride struct {
	manifest Manifest
	target   Plugin
}

func (m manifestOverride) Describe() Manifest        { return m.manifest }
func (m manifestOverride) Bind() map[string]ToolFunc { return m.target.Bind() }
