// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package skills

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/intent"
)

// Registry owns tool bindings for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	plugins  map[string]Manifest
	order    []string
	resolver *intent.Resolver
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithResolver attaches the intent resolver that loaded manifests extend.
func WithResolver(r *intent.Resolver) RegistryOption {
	return func(reg *Registry) {
		reg.resolver = r
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(reg *Registry) {
		if logger != nil {
			reg.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		bindings: make(map[string]Binding),
		plugins:  make(map[string]Manifest),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadReport summarizes a batch load.
type LoadReport struct {
	Loaded []string
	Failed map[string]error
}

// Load registers a single plugin. On error nothing from the plugin is kept.
func (r *Registry) Load(p Plugin) (err error) {
	if p == nil {
		return fmt.Errorf("nil plugin")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin panicked during load: %v", rec)
		}
	}()

	m := p.Describe()
	m.Permissions = dedupe(m.Permissions)
	if err := m.Validate(); err != nil {
		return fmt.Errorf("plugin %q: %w", m.Name, err)
	}
	funcs := p.Bind()

	bindings := make([]Binding, 0, len(m.Tools))
	for id, spec := range m.Tools {
		fn, ok := funcs[id]
		if !ok || fn == nil {
			return fmt.Errorf("plugin %q: entry point %q has no callable for tool %q", m.Name, m.EntryPoint, id)
		}
		bindings = append(bindings, Binding{
			ID:          id,
			Plugin:      m.Name,
			Description: strings.TrimSpace(spec.Description),
			Permissions: m.ToolPermissions(id),
			Func:        fn,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[m.Name]; exists {
		return fmt.Errorf("plugin %q already loaded", m.Name)
	}
	for _, b := range bindings {
		if owner, exists := r.bindings[b.ID]; exists {
			return fmt.Errorf("plugin %q: tool %q already bound by %q", m.Name, b.ID, owner.Plugin)
		}
	}

	if r.resolver != nil {
		if err := r.registerIntents(m); err != nil {
			r.resolver.RemoveSource(m.Name)
			return fmt.Errorf("plugin %q: %w", m.Name, err)
		}
	}
	for _, b := range bindings {
		r.bindings[b.ID] = b
	}
	r.plugins[m.Name] = m
	r.order = append(r.order, m.Name)

	r.logger.Info("plugin loaded",
		"plugin", m.Name,
		"tools", len(bindings),
		"static_intents", len(m.Intents.Static),
		"regex_intents", len(m.Intents.Regex),
		"permissions", m.Permissions,
	)
	return nil
}

func (r *Registry) registerIntents(m Manifest) error {
	for _, s := range m.Intents.Static {
		if err := r.resolver.AddStatic(s.Key, s.Call, m.Name); err != nil {
			return err
		}
	}
	for _, re := range m.Intents.Regex {
		if err := r.resolver.AddRegex(re.Key, re.Call, m.Name); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll loads every plugin. Failures are logged and reported without
// aborting the remaining plugins.
func (r *Registry) LoadAll(plugins ...Plugin) LoadReport {
	report := LoadReport{Failed: make(map[string]error)}
	for i, p := range plugins {
		if err := r.Load(p); err != nil {
			key := pluginKey(p, i)
			r.logger.Error("plugin failed to load", "plugin", key, "error", err)
			report.Failed[key] = err
			continue
		}
		report.Loaded = append(report.Loaded, p.Describe().Name)
	}
	return report
}

// LoadDir reads manifests under dir and binds each one to the catalog
// plugin named by its entry_point. A bad manifest only fails itself.
func (r *Registry) LoadDir(dir string, catalog Catalog) (LoadReport, error) {
	report := LoadReport{Failed: make(map[string]error)}
	paths, err := FindManifests(dir)
	if err != nil {
		return report, err
	}
	for _, path := range paths {
		m, err := LoadManifestFile(path)
		if err != nil {
			r.logger.Error("plugin manifest rejected", "path", path, "error", err)
			report.Failed[path] = err
			continue
		}
		target, ok := catalog[m.EntryPoint]
		if !ok {
			err := fmt.Errorf("entry point %q is not available", m.EntryPoint)
			r.logger.Error("plugin failed to load", "plugin", m.Name, "path", path, "error", err)
			report.Failed[path] = err
			continue
		}
		if err := r.Load(manifestOverride{manifest: m, target: target}); err != nil {
			r.logger.Error("plugin failed to load", "plugin", m.Name, "path", path, "error", err)
			report.Failed[path] = err
			continue
		}
		report.Loaded = append(report.Loaded, m.Name)
	}
	return report, nil
}

// ResolveTool returns the binding for id or a CodeToolNotFound error.
func (r *Registry) ResolveTool(id string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[id]
	if !ok {
		return Binding{}, errors.New(errors.CodeToolNotFound, fmt.Sprintf("tool %q not found", id), nil).
			WithContext("tool", id)
	}
	return b, nil
}

// Tools returns all bindings sorted by id.
func (r *Registry) Tools() []Binding {
	r.mu.RLock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Plugins returns loaded manifests in load order.
func (r *Registry) Plugins() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// Permissions returns every permission declared by a loaded plugin.
func (r *Registry) Permissions() []string {
	r.mu.RLock()
	var all []string
	for _, m := range r.plugins {
		all = append(all, m.Permissions...)
		for id := range m.Tools {
			all = append(all, m.ToolPermissions(id)...)
		}
	}
	r.mu.RUnlock()
	out := dedupe(all)
	sort.Strings(out)
	return out
}

func pluginKey(p Plugin, i int) (key string) {
	defer func() {
		if recover() != nil {
			key = fmt.Sprintf("plugin#%d", i)
		}
	}()
	if p == nil {
		return fmt.Sprintf("plugin#%d", i)
	}
	if name := p.Describe().Name; name != "" {
		return name
	}
	return fmt.Sprintf("plugin#%d", i)
}
