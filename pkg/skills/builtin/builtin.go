// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package builtin holds the skills compiled into avva. Each plugin is
// addressed by its entry point in the catalog returned by Catalog.
package builtin

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/jllopis/avva/pkg/skills"
	"github.com/jllopis/avva/pkg/storage"
)

// PermissionLister exposes the current grant set.
type PermissionLister interface {
	List() []string
}

// MemoryStore is the slice of storage the memory skill needs.
type MemoryStore interface {
	Remember(ctx context.Context, key, value string) error
	Recall(ctx context.Context, key string) (storage.Memory, bool, error)
	Memories(ctx context.Context) ([]storage.Memory, error)
	ClearMemories(ctx context.Context) error
}

// Deps are the collaborators shared by the built-in skills. Zero values
// fall back to the live system.
type Deps struct {
	Permissions PermissionLister
	Memory      MemoryStore
	Now         func() time.Time
	Launcher    *Launcher
	Stats       StatsSampler
	Logger      *slog.Logger
}

// Catalog returns every built-in plugin keyed by entry point. Plugins
// whose collaborator is missing are left out.
func Catalog(d Deps) skills.Catalog {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Launcher == nil {
		d.Launcher = NewLauncher(WithLauncherLogger(d.Logger))
	}
	if d.Stats == nil {
		d.Stats = NewProcSampler()
	}
	c := skills.Catalog{
		"clock":        Clock{now: d.Now},
		"launcher":     d.Launcher,
		"system_stats": SystemStats{sampler: d.Stats},
	}
	if d.Permissions != nil {
		c["security"] = Security{perms: d.Permissions}
	}
	if d.Memory != nil {
		c["memory"] = Memory{store: d.Memory}
	}
	return c
}

// Plugins returns the catalog entries named in enabled, in that order.
// An empty list selects every entry sorted by name.
func Plugins(c skills.Catalog, enabled []string) ([]skills.Plugin, []string) {
	if len(enabled) == 0 {
		enabled = sortedNames(c)
	}
	var out []skills.Plugin
	var missing []string
	for _, name := range enabled {
		p, ok := c[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out = append(out, p)
	}
	return out, missing
}

func sortedNames(c skills.Catalog) []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
