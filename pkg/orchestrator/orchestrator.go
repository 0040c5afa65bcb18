// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator chooses a reasoning provider per request and walks a
// bounded fallback chain (selected, fallback, baseline) when it fails.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/contextfilter"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/resilience"
	"github.com/jllopis/avva/pkg/telemetry"
)

// Persisted setting keys.
const (
	SettingRulesOnly     = "RULES_ONLY_MODE"
	SettingAutoSelection = "AUTO_BRAIN_SELECTION"
)

// Store persists provider configuration and usage. Implemented by
// pkg/storage.
type Store interface {
	SaveBrain(ctx context.Context, cfg brain.Config) error
	DeleteBrain(ctx context.Context, id string) error
	SetSetting(ctx context.Context, key, value string) error
	Setting(ctx context.Context, key string) (string, bool, error)
	LogUsage(ctx context.Context, provider string, usage brain.Usage) error
}

// RequestContext describes the request being routed.
type RequestContext struct {
	Query              string
	Requester          string
	Sensitive          bool
	RequiresPrivacy    bool
	RequiredCapability brain.Capability
	Extra              map[string]any
}

// Map renders the context handed to providers before filtering.
func (rc RequestContext) Map() map[string]any {
	m := make(map[string]any, len(rc.Extra)+5)
	for k, v := range rc.Extra {
		m[k] = v
	}
	m["query"] = rc.Query
	m["requester"] = rc.Requester
	m["sensitive"] = rc.Sensitive
	m["requires_privacy"] = rc.RequiresPrivacy
	if rc.RequiredCapability != "" {
		m["required_capability"] = string(rc.RequiredCapability)
	}
	return m
}

type entry struct {
	p       brain.Provider
	cfg     brain.Config
	health  *brain.HealthCache
	breaker *resilience.CircuitBreaker
}

// Info is a read-only view of a registered provider.
type Info struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Kind         string             `json:"kind"`
	Privacy      brain.PrivacyLevel `json:"privacy_level"`
	Capabilities []string           `json:"capabilities"`
	Active       bool               `json:"active"`
	Fallback     bool               `json:"fallback"`
	Baseline     bool               `json:"baseline"`
	Breaker      string             `json:"circuit_breaker"`
	Health       *brain.Health      `json:"health,omitempty"`
}

// Orchestrator routes requests to providers. It is safe for concurrent use.
type Orchestrator struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string
	active   string
	fallback string
	baseline *entry

	rulesOnly  bool
	autoSelect bool

	ttl             time.Duration
	healthTimeout   time.Duration
	breakerFailures int
	breakerTimeout  time.Duration
	now             func() time.Time
	filter          *contextfilter.Filter
	defaultLevel    contextfilter.Level
	store           Store
	logger          *slog.Logger
	metrics         *telemetry.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHealthTTL sets how long a health result is reused.
func WithHealthTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithHealthTimeout bounds a single health check.
func WithHealthTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.healthTimeout = d
		}
	}
}

// WithBreaker configures the per-provider circuit breaker.
func WithBreaker(failures int, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if failures > 0 {
			o.breakerFailures = failures
		}
		if timeout > 0 {
			o.breakerTimeout = timeout
		}
	}
}

// WithClock overrides the time source for health caches and breakers.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithFilter sets the context filter and the level used when a provider
// config does not name one.
func WithFilter(f *contextfilter.Filter, level contextfilter.Level) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.filter = f
		}
		if level != "" {
			o.defaultLevel = level
		}
	}
}

// WithStore persists configuration changes and usage.
func WithStore(s Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithRulesOnly starts the orchestrator in rules-only mode.
func WithRulesOnly(on bool) Option {
	return func(o *Orchestrator) {
		o.rulesOnly = on
	}
}

// WithAutoSelection toggles privacy and capability based selection.
func WithAutoSelection(on bool) Option {
	return func(o *Orchestrator) {
		o.autoSelect = on
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records selections, fallbacks and latency.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an orchestrator whose chains end at baseline. A nil baseline
// uses a rules provider without intent tables.
func New(baseline brain.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		entries:         make(map[string]*entry),
		autoSelect:      true,
		ttl:             brain.DefaultHealthTTL,
		healthTimeout:   5 * time.Second,
		breakerFailures: 3,
		breakerTimeout:  30 * time.Second,
		now:             time.Now,
		defaultLevel:    contextfilter.LevelAuto,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.filter == nil {
		o.filter = contextfilter.New()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if baseline == nil {
		baseline = brain.NewRules(nil)
	}
	o.baseline = o.newEntry(baseline, brain.Config{ID: baseline.ID(), Name: baseline.Name(), Kind: baseline.Kind()})
	o.entries[baseline.ID()] = o.baseline
	return o
}

func (o *Orchestrator) newEntry(p brain.Provider, cfg brain.Config) *entry {
	return &entry{
		p:      p,
		cfg:    cfg,
		health: brain.NewHealthCache(p, o.ttl, brain.WithClock(o.now)),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             p.ID(),
			FailureThreshold: o.breakerFailures,
			Timeout:          o.breakerTimeout,
			Now:              o.now,
		}),
	}
}

// Baseline returns the provider that ends every chain.
func (o *Orchestrator) Baseline() brain.Provider { return o.baseline.p }

// Register adds p. cfg.Active and cfg.Fallback promote it immediately.
// Registering an existing id replaces the provider.
func (o *Orchestrator) Register(ctx context.Context, p brain.Provider, cfg brain.Config) error {
	if p == nil {
		return errors.New(errors.CodeInvalidInput, "nil provider", nil)
	}
	if p.ID() == o.baseline.p.ID() {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("provider id %q is reserved", p.ID()), nil)
	}
	if cfg.ID == "" {
		cfg.ID = p.ID()
	}
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	if cfg.Kind == "" {
		cfg.Kind = p.Kind()
	}

	o.mu.Lock()
	if _, exists := o.entries[cfg.ID]; !exists {
		o.order = append(o.order, cfg.ID)
	}
	o.entries[cfg.ID] = o.newEntry(p, cfg)
	if cfg.Active {
		o.setRoleLocked(cfg.ID, true)
	}
	if cfg.Fallback {
		o.setRoleLocked(cfg.ID, false)
	}
	o.mu.Unlock()

	o.logger.Info("provider registered", "provider", cfg.ID, "kind", cfg.Kind,
		"privacy", p.PrivacyLevel(), "active", cfg.Active, "fallback", cfg.Fallback)
	return o.persist(ctx, cfg.ID)
}

// Unregister removes a provider. The baseline cannot be removed.
func (o *Orchestrator) Unregister(ctx context.Context, id string) error {
	o.mu.Lock()
	if id == o.baseline.p.ID() {
		o.mu.Unlock()
		return errors.New(errors.CodeInvalidInput, "the baseline provider cannot be removed", nil)
	}
	if _, ok := o.entries[id]; !ok {
		o.mu.Unlock()
		return notFound(id)
	}
	delete(o.entries, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	if o.active == id {
		o.active = ""
	}
	if o.fallback == id {
		o.fallback = ""
	}
	o.mu.Unlock()

	o.logger.Info("provider unregistered", "provider", id)
	if o.store == nil {
		return nil
	}
	if err := o.store.DeleteBrain(ctx, id); err != nil {
		return errors.New(errors.CodeStorage, "delete provider config", err).WithContext("provider", id)
	}
	return nil
}

// SetActive makes id the primary provider.
func (o *Orchestrator) SetActive(ctx context.Context, id string) error {
	return o.setRole(ctx, id, true)
}

// SetFallback makes id the provider tried after the active one.
func (o *Orchestrator) SetFallback(ctx context.Context, id string) error {
	return o.setRole(ctx, id, false)
}

func (o *Orchestrator) setRole(ctx context.Context, id string, active bool) error {
	o.mu.Lock()
	if _, ok := o.entries[id]; !ok {
		o.mu.Unlock()
		return notFound(id)
	}
	prev := o.fallback
	if active {
		prev = o.active
	}
	o.setRoleLocked(id, active)
	o.mu.Unlock()

	o.logger.Info("provider role changed", "provider", id, "active", active, "previous", prev)
	if prev != "" && prev != id {
		if err := o.persist(ctx, prev); err != nil {
			return err
		}
	}
	return o.persist(ctx, id)
}

// setRoleLocked must be called with o.mu held.
func (o *Orchestrator) setRoleLocked(id string, active bool) {
	if active {
		if e, ok := o.entries[o.active]; ok {
			e.cfg.Active = false
		}
		o.active = id
		o.entries[id].cfg.Active = true
		return
	}
	if e, ok := o.entries[o.fallback]; ok {
		e.cfg.Fallback = false
	}
	o.fallback = id
	o.entries[id].cfg.Fallback = true
}

func (o *Orchestrator) persist(ctx context.Context, id string) error {
	if o.store == nil || id == o.baseline.p.ID() {
		return nil
	}
	o.mu.RLock()
	e, ok := o.entries[id]
	var cfg brain.Config
	if ok {
		cfg = e.cfg
	}
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := o.store.SaveBrain(ctx, cfg); err != nil {
		return errors.New(errors.CodeStorage, "save provider config", err).WithContext("provider", id)
	}
	return nil
}

// SetRulesOnly forces every request to the baseline provider.
func (o *Orchestrator) SetRulesOnly(ctx context.Context, on bool) error {
	o.mu.Lock()
	o.rulesOnly = on
	o.mu.Unlock()
	o.logger.Info("rules-only mode changed", "enabled", on)
	return o.saveSetting(ctx, SettingRulesOnly, on)
}

// SetAutoSelection toggles privacy and capability based selection.
func (o *Orchestrator) SetAutoSelection(ctx context.Context, on bool) error {
	o.mu.Lock()
	o.autoSelect = on
	o.mu.Unlock()
	o.logger.Info("auto selection changed", "enabled", on)
	return o.saveSetting(ctx, SettingAutoSelection, on)
}

// RulesOnly reports whether rules-only mode is on.
func (o *Orchestrator) RulesOnly() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rulesOnly
}

// AutoSelection reports whether auto selection is on.
func (o *Orchestrator) AutoSelection() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.autoSelect
}

func (o *Orchestrator) saveSetting(ctx context.Context, key string, on bool) error {
	if o.store == nil {
		return nil
	}
	if err := o.store.SetSetting(ctx, key, strconv.FormatBool(on)); err != nil {
		return errors.New(errors.CodeStorage, "save setting", err).WithContext("key", key)
	}
	return nil
}

// LoadSettings applies persisted mode settings. Missing keys keep the
// current values.
func (o *Orchestrator) LoadSettings(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	for _, key := range []string{SettingRulesOnly, SettingAutoSelection} {
		raw, ok, err := o.store.Setting(ctx, key)
		if err != nil {
			return errors.New(errors.CodeStorage, "load setting", err).WithContext("key", key)
		}
		if !ok {
			continue
		}
		on, err := strconv.ParseBool(raw)
		if err != nil {
			o.logger.Warn("ignoring malformed setting", "key", key, "value", raw)
			continue
		}
		o.mu.Lock()
		if key == SettingRulesOnly {
			o.rulesOnly = on
		} else {
			o.autoSelect = on
		}
		o.mu.Unlock()
	}
	return nil
}

// Provider returns a registered provider by id.
func (o *Orchestrator) Provider(id string) (brain.Provider, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[id]
	if !ok {
		return nil, false
	}
	return e.p, true
}

// List describes the registered providers in registration order, baseline
// last. Health is the cached value, if any.
func (o *Orchestrator) List() []Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Info, 0, len(o.order)+1)
	for _, e := range o.chainLocked() {
		info := Info{
			ID:           e.cfg.ID,
			Name:         e.p.Name(),
			Kind:         e.p.Kind(),
			Privacy:      e.p.PrivacyLevel(),
			Capabilities: e.p.Capabilities().List(),
			Active:       e.cfg.ID == o.active,
			Fallback:     e.cfg.ID == o.fallback,
			Baseline:     e == o.baseline,
			Breaker:      string(e.breaker.State()),
		}
		if h, ok := e.health.Peek(); ok {
			info.Health = &h
		}
		out = append(out, info)
	}
	return out
}

// chainLocked returns entries in registration order with the baseline last.
func (o *Orchestrator) chainLocked() []*entry {
	out := make([]*entry, 0, len(o.order)+1)
	for _, id := range o.order {
		out = append(out, o.entries[id])
	}
	return append(out, o.baseline)
}

func notFound(id string) error {
	return errors.New(errors.CodeInvalidInput, fmt.Sprintf("provider %q is not registered", id), nil).
		WithContext("provider", id)
}
