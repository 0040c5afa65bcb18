// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package app assembles avva from configuration: storage, permissions,
// skills, reasoning providers and the assistant facade. cmd/avva builds one
// App per process and hands its parts to the commands.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/jllopis/avva/pkg/assistant"
	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/config"
	"github.com/jllopis/avva/pkg/contextfilter"
	"github.com/jllopis/avva/pkg/core"
	"github.com/jllopis/avva/pkg/governance"
	"github.com/jllopis/avva/pkg/intent"
	"github.com/jllopis/avva/pkg/mcp"
	"github.com/jllopis/avva/pkg/orchestrator"
	"github.com/jllopis/avva/pkg/server"
	"github.com/jllopis/avva/pkg/skills"
	"github.com/jllopis/avva/pkg/skills/builtin"
	"github.com/jllopis/avva/pkg/storage"
	"github.com/jllopis/avva/pkg/telemetry"
)

// Version is set at build time.
var Version = "dev"

// App holds the wired components.
type App struct {
	Config       *config.Config // as loaded at startup; see Current
	Logger       *slog.Logger
	Store        storage.Store
	Gate         *governance.Gate
	Resolver     *intent.Resolver
	Registry     *skills.Registry
	Orchestrator *orchestrator.Orchestrator
	Assistant    *assistant.Assistant
	Hub          *server.Hub
	Health       *core.DefaultHealthCheckProvider
	Metrics      *telemetry.Metrics

	shutdown telemetry.ShutdownFunc
	remotes  []*mcp.Client
	live     *config.ReloadableConfig
}

type options struct {
	store       storage.Store
	hook        governance.ApprovalHook
	interactive func() bool
	logOutput   io.Writer
	catalog     skills.Catalog
	emitters    []core.EventEmitter
}

// Option configures New.
type Option func(*options)

// WithStore uses s instead of opening the configured store.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithApprovalHook overrides the approval hook chosen from configuration.
func WithApprovalHook(h governance.ApprovalHook) Option {
	return func(o *options) { o.hook = h }
}

// WithInteractive overrides terminal detection for the console approval hook.
func WithInteractive(fn func() bool) Option {
	return func(o *options) {
		if fn != nil {
			o.interactive = fn
		}
	}
}

// WithLogOutput sends logs to w. Defaults to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.logOutput = w
		}
	}
}

// WithEmitter adds a receiver for assistant events next to the websocket hub.
func WithEmitter(e core.EventEmitter) Option {
	return func(o *options) {
		if e != nil {
			o.emitters = append(o.emitters, e)
		}
	}
}

// WithCatalog replaces the built-in skill catalog.
func WithCatalog(c skills.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// New wires every component. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{interactive: stdinIsTerminal, logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, live: config.NewReloadableConfig(cfg)}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Logger = telemetry.ConfigureSlog(o.logOutput, cfg.Log.Level, cfg.Log.Format)
	if err := a.initTelemetry(); err != nil {
		return nil, err
	}

	a.Store = o.store
	if a.Store == nil {
		if a.Store, err = storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.Path, a.Logger); err != nil {
			return nil, err
		}
	}

	perms, err := governance.LoadPermissions(ctx, a.Store, governance.WithPermissionsLogger(a.Logger))
	if err != nil {
		return nil, err
	}
	hook := o.hook
	if hook == nil {
		hook = a.approvalHook(o.interactive())
	}
	a.Gate = governance.NewGate(perms,
		governance.WithPolicy(governance.RuleSetFromConfig(cfg.Governance)),
		governance.WithApprovalHook(hook),
		governance.WithGateLogger(a.Logger),
	)

	a.Resolver = intent.New(intent.WithLogger(a.Logger))
	a.Registry = skills.NewRegistry(skills.WithResolver(a.Resolver), skills.WithRegistryLogger(a.Logger))
	catalog := o.catalog
	if catalog == nil {
		catalog = builtin.Catalog(builtin.Deps{
			Permissions: a.Gate.Permissions(),
			Memory:      a.Store,
			Logger:      a.Logger,
		})
	}
	if err := a.loadSkills(catalog); err != nil {
		return nil, err
	}
	a.loadRemoteSkills(ctx)

	oc := cfg.Orchestrator
	a.Orchestrator = orchestrator.New(brain.NewRules(a.Resolver),
		orchestrator.WithHealthTTL(oc.HealthTTL),
		orchestrator.WithHealthTimeout(oc.HealthTimeout),
		orchestrator.WithBreaker(oc.BreakerFailures, oc.BreakerTimeout),
		orchestrator.WithFilter(
			contextfilter.New(contextfilter.WithHomeDir(cfg.Filter.HomeDir)),
			contextfilter.ParseLevel(cfg.Filter.DefaultLevel),
		),
		orchestrator.WithStore(a.Store),
		orchestrator.WithRulesOnly(oc.RulesOnly),
		orchestrator.WithAutoSelection(oc.AutoSelection),
		orchestrator.WithLogger(a.Logger),
		orchestrator.WithMetrics(a.Metrics),
	)
	if err := a.Orchestrator.LoadSettings(ctx); err != nil {
		return nil, err
	}
	if err := a.registerProviders(ctx); err != nil {
		return nil, err
	}

	a.Hub = server.NewHub(server.WithHubLogger(a.Logger))
	ac := cfg.Assistant
	a.Assistant, err = assistant.New(assistant.Components{
		Resolver:     a.Resolver,
		Registry:     a.Registry,
		Gate:         a.Gate,
		Orchestrator: a.Orchestrator,
	},
		assistant.WithName(ac.Name),
		assistant.WithRequester(ac.Requester),
		assistant.WithThreshold(ac.ConfidenceThreshold),
		assistant.WithReasoningPermission(ac.ReasoningPermission),
		assistant.WithHistory(a.Store),
		assistant.WithEmitter(append(core.MultiEmitter{a.Hub}, o.emitters...)),
		assistant.WithMetrics(a.Metrics),
		assistant.WithLogger(a.Logger),
	)
	if err != nil {
		return nil, err
	}
	a.Hub.SetCommander(a.Assistant)

	a.Health = core.NewDefaultHealthCheckProvider(cfg.Orchestrator.HealthTTL)
	a.registerHealth()
	return a, nil
}

func (a *App) initTelemetry() error {
	tc := a.Config.Telemetry
	exporter := tc.Exporter
	if !tc.Enabled {
		exporter = "none"
	}
	shutdown, err := telemetry.InitWithConfig(tc.ServiceName, Version, telemetry.Config{
		Exporter:     exporter,
		OTLPEndpoint: tc.OTLPEndpoint,
		OTLPInsecure: tc.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	a.shutdown = shutdown
	a.Metrics, err = telemetry.NewMetrics(nil)
	return err
}

// approvalHook picks how permission prompts are answered: everything is
// approved with auto_approve, the terminal is asked when there is one, and
// otherwise requests are refused.
func (a *App) approvalHook(interactive bool) governance.ApprovalHook {
	gc := a.Config.Governance
	switch {
	case gc.AutoApprove:
		a.Logger.Warn("permission prompts auto-approved", "component", "app")
		return governance.AllowAll()
	case interactive:
		return governance.NewConsoleApprovalHook(governance.WithApprovalTimeout(gc.ApprovalTimeout))
	default:
		a.Logger.Warn("no terminal for permission prompts; missing permissions will be denied", "component", "app")
		return governance.StaticApprovalHook{Decision: governance.Decision{
			Status: governance.DecisionStatusDeny,
			Reason: "no interactive terminal",
		}}
	}
}

func (a *App) loadSkills(catalog skills.Catalog) error {
	sc := a.Config.Skills
	if sc.Dir != "" {
		report, err := a.Registry.LoadDir(sc.Dir, catalog)
		if err != nil {
			return err
		}
		a.Logger.Info("skills loaded", "component", "app", "dir", sc.Dir, "loaded", report.Loaded, "failed", len(report.Failed))
		return nil
	}
	plugins, missing := builtin.Plugins(catalog, sc.Enabled)
	for _, name := range missing {
		a.Logger.Warn("skill not available", "component", "app", "skill", name)
	}
	report := a.Registry.LoadAll(plugins...)
	a.Logger.Info("skills loaded", "component", "app", "loaded", report.Loaded, "failed", len(report.Failed))
	return nil
}

// loadRemoteSkills connects every configured MCP server and loads it as a
// plugin. A server that cannot be reached is logged and skipped.
func (a *App) loadRemoteSkills(ctx context.Context) {
	for _, sc := range a.Config.Skills.MCP {
		logger := a.Logger.With("component", "app", "skill", sc.Name)
		c, err := dialMCP(ctx, sc)
		if err != nil {
			logger.Error("mcp server unavailable", "error", err)
			continue
		}
		intents := make([]skills.Template, 0, len(sc.Intents))
		for _, in := range sc.Intents {
			intents = append(intents, skills.Template{Key: in.Phrase, Call: in.Call})
		}
		p, err := mcp.NewPlugin(ctx, mcp.PluginConfig{
			Name:        sc.Name,
			Description: sc.Description,
			Permissions: sc.Permissions,
			Intents:     intents,
			Tools:       sc.Tools,
		}, c)
		if err == nil {
			err = a.Registry.Load(p)
		}
		if err != nil {
			logger.Error("mcp skill failed to load", "error", err)
			_ = c.Close()
			continue
		}
		a.remotes = append(a.remotes, c)
		logger.Info("mcp skill loaded", "tools", len(p.Describe().Tools))
	}
}

func dialMCP(ctx context.Context, sc config.MCPServerConfig) (*mcp.Client, error) {
	opts := []mcp.ClientOption{mcp.WithTimeout(sc.Timeout)}
	if sc.URL != "" {
		return mcp.DialHTTP(ctx, sc.URL, opts...)
	}
	return mcp.DialStdio(ctx, sc.Command, sc.Args, sc.Env, opts...)
}

// MCPServer publishes the loaded tools to MCP clients. Calls go through
// the same permission gate as spoken commands.
func (a *App) MCPServer() *mcp.Server {
	return mcp.NewServer(a.live.Assistant().Name, Version, a.Registry.Tools(), a.Assistant, a.Logger)
}

// registerProviders registers configured providers, then providers saved by
// earlier runs. A saved config keeps its active and fallback roles, so
// changes made with the CLI survive a restart.
func (a *App) registerProviders(ctx context.Context) error {
	saved, err := a.Store.Brains(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]brain.Config, len(saved))
	for _, c := range saved {
		byID[c.ID] = c
	}

	var cfgs []brain.Config
	seen := make(map[string]bool)
	for _, p := range a.Config.Providers {
		c := BrainConfig(p)
		if s, ok := byID[c.ID]; ok {
			c.Active, c.Fallback = s.Active, s.Fallback
		}
		cfgs = append(cfgs, c)
		seen[c.ID] = true
	}
	for _, c := range saved {
		if !seen[c.ID] && c.ID != brain.RulesID {
			cfgs = append(cfgs, c)
		}
	}

	for _, c := range cfgs {
		if err := a.AddProvider(ctx, c); err != nil {
			a.Logger.Error("provider not registered", "component", "app", "provider", c.ID, "error", err)
		}
	}
	return nil
}

// AddProvider builds and registers a provider and records its capabilities.
func (a *App) AddProvider(ctx context.Context, c brain.Config) error {
	p, err := NewProvider(ctx, c, a.live.Assistant().Name, a.Logger)
	if err != nil {
		return err
	}
	if err := a.Orchestrator.Register(ctx, p, c); err != nil {
		return err
	}
	return a.Store.SaveCapabilities(ctx, c.ID, p.Capabilities().List())
}

func (a *App) registerHealth() {
	if pinger, ok := a.Store.(interface{ Ping(context.Context) error }); ok {
		a.Health.RegisterChecker("storage", core.PingChecker(pinger.Ping))
	}
	a.Health.RegisterChecker("providers", core.NewFunctionHealthChecker(func(ctx context.Context) core.HealthResult {
		var available, total int
		for _, ph := range a.Orchestrator.HealthAll(ctx, false) {
			total++
			if ph.Health.Available() {
				available++
			}
		}
		if available == total {
			return core.HealthResult{Status: core.HealthHealthy, Message: "all providers available"}
		}
		// The baseline always answers, so the worst case is degraded.
		return core.HealthResult{Status: core.HealthDegraded, Message: fmt.Sprintf("%d of %d providers available", available, total)}
	}))
}

// Apply updates the runtime from a reloaded configuration.
func (a *App) Apply(ctx context.Context, cfg *config.Config) {
	a.live.Update(cfg)
	oc := cfg.Orchestrator
	if a.Orchestrator.RulesOnly() != oc.RulesOnly {
		if err := a.Orchestrator.SetRulesOnly(ctx, oc.RulesOnly); err != nil {
			a.Logger.Error("apply rules_only", "component", "app", "error", err)
		}
	}
	if a.Orchestrator.AutoSelection() != oc.AutoSelection {
		if err := a.Orchestrator.SetAutoSelection(ctx, oc.AutoSelection); err != nil {
			a.Logger.Error("apply auto_selection", "component", "app", "error", err)
		}
	}
	a.Logger.Info("configuration reloaded", "component", "app",
		"rules_only", a.Orchestrator.RulesOnly(), "auto_selection", a.Orchestrator.AutoSelection())
}

// Watch applies configuration changes picked up by w until ctx ends.
func (a *App) Watch(ctx context.Context, w *config.Watcher) {
	w.OnChange(func(cfg *config.Config) { a.Apply(ctx, cfg) })
	w.Start(ctx)
}

// Current returns the most recently applied configuration.
func (a *App) Current() *config.Config {
	return a.live.Get()
}

// Close releases everything New opened.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Hub != nil {
		a.Hub.Close()
	}
	for _, c := range a.remotes {
		errs = append(errs, c.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.shutdown != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		errs = append(errs, a.shutdown(sctx))
	}
	return stderrors.Join(errs...)
}
