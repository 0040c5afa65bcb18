package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/avva/internal/app"
	"github.com/jllopis/avva/pkg/brain"
)

func buildBrainsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "brains",
		Aliases: []string{"brain", "providers"},
		Short:   "Manage reasoning providers",
	}
	cmd.AddCommand(
		buildBrainsListCmd(g),
		buildBrainsHealthCmd(g),
		buildBrainsRoleCmd(g, "activate", "Make a provider the active one", true),
		buildBrainsRoleCmd(g, "fallback", "Make a provider the fallback", false),
		buildBrainsAddCmd(g),
		buildBrainsRemoveCmd(g),
	)
	return cmd
}

func buildBrainsListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers and their roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *app.App) error {
				infos := a.Orchestrator.List()
				out := cmd.OutOrStdout()
				if g.json {
					return printJSON(out, infos)
				}
				w := newTabWriter(out)
				writeRow(w, "ID", "NAME", "KIND", "PRIVACY", "ROLE", "BREAKER", "CAPABILITIES")
				for _, info := range infos {
					writeRow(w, info.ID, info.Name, info.Kind, string(info.Privacy),
						role(info.Active, info.Fallback, info.Baseline), info.Breaker,
						strings.Join(info.Capabilities, ","))
				}
				fmt.Fprintf(w, "\nrules-only: %s\tauto-select: %s\n",
					onOff(a.Orchestrator.RulesOnly()), onOff(a.Orchestrator.AutoSelection()))
				return w.Flush()
			})
		},
	}
}

func role(active, fallback, baseline bool) string {
	switch {
	case baseline:
		return "baseline"
	case active:
		return "active"
	case fallback:
		return "fallback"
	}
	return ""
}

func buildBrainsHealthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every provider now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				results := a.Orchestrator.HealthAll(ctx, true)
				out := cmd.OutOrStdout()
				if g.json {
					return printJSON(out, results)
				}
				w := newTabWriter(out)
				writeRow(w, "ID", "STATUS", "LATENCY", "MESSAGE")
				for _, r := range results {
					writeRow(w, r.ID, string(r.Health.Status), r.Health.Latency.Round(time.Millisecond).String(), r.Health.Message)
				}
				return w.Flush()
			})
		},
	}
}

func buildBrainsRoleCmd(g *globalFlags, use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, ok := a.Orchestrator.Provider(id); !ok {
					return NewNotFoundError("brain", id)
				}
				set, label := a.Orchestrator.SetFallback, "fallback"
				if active {
					set, label = a.Orchestrator.SetActive, "active"
				}
				if err := set(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now the %s provider\n", id, label)
				return nil
			})
		},
	}
}

func buildBrainsAddCmd(g *globalFlags) *cobra.Command {
	var (
		name, kind, model, baseURL, privacy, filter string
		maxTokens                                   int
		active, fallback                            bool
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a provider and save it for later runs",
		Long: "Register a provider and save it for later runs. Kinds: " + strings.Join(app.Kinds, ", ") + ".\n" +
			"API keys are read from the environment or the keychain (see 'avva keys set').",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := map[string]any{}
			if model != "" {
				settings["model"] = model
			}
			if baseURL != "" {
				settings["base_url"] = baseURL
			}
			if maxTokens > 0 {
				settings["max_tokens"] = maxTokens
			}
			cfg := brain.Config{
				ID:           args[0],
				Name:         name,
				Kind:         app.NormalizeKind(kind),
				Active:       active,
				Fallback:     fallback,
				FilterLevel:  filter,
				PrivacyLevel: privacy,
				Settings:     settings,
			}
			if cfg.Name == "" {
				cfg.Name = cfg.ID
			}
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.AddProvider(ctx, cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provider %s (%s) registered\n", cfg.ID, cfg.Kind)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "Provider kind")
	f.StringVar(&name, "name", "", "Display name")
	f.StringVar(&model, "model", "", "Model name")
	f.StringVar(&baseURL, "base-url", "", "API endpoint override")
	f.StringVar(&privacy, "privacy", "", "local, trusted_cloud or external_cloud")
	f.StringVar(&filter, "filter", "", "Context filter level: none, minimal, moderate, aggressive or auto")
	f.IntVar(&maxTokens, "max-tokens", 0, "Completion limit")
	f.BoolVar(&active, "active", false, "Make it the active provider")
	f.BoolVar(&fallback, "fallback", false, "Make it the fallback provider")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func buildBrainsRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Unregister a provider and forget its saved configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, ok := a.Orchestrator.Provider(id); !ok {
					return NewNotFoundError("brain", id)
				}
				if err := a.Orchestrator.Unregister(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provider %s removed\n", id)
				return nil
			})
		},
	}
}
