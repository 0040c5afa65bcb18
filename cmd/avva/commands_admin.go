package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jllopis/avva/internal/app"
	"github.com/jllopis/avva/pkg/orchestrator"
	"github.com/jllopis/avva/pkg/secrets"
)

func buildPermissionsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "Inspect and change granted permissions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List granted permissions and the ones skills declare",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *app.App) error {
				perms := a.Gate.Permissions()
				declared := a.Registry.Permissions()
				out := cmd.OutOrStdout()
				if g.json {
					return printJSON(out, map[string][]string{
						"granted":  perms.List(),
						"declared": declared,
					})
				}
				w := newTabWriter(out)
				writeRow(w, "PERMISSION", "GRANTED", "USED BY")
				seen := map[string]bool{}
				for _, p := range declared {
					seen[p] = true
					writeRow(w, p, yesNo(perms.Has(p)), strings.Join(toolsNeeding(a, p), ","))
				}
				for _, p := range perms.List() {
					if !seen[p] {
						writeRow(w, p, "yes", "")
					}
				}
				return w.Flush()
			})
		},
	}

	grant := &cobra.Command{
		Use:   "grant <permission>...",
		Short: "Grant permissions without prompting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, p := range args {
					if err := a.Gate.Permissions().Grant(ctx, p); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "granted %s\n", p)
				}
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <permission>...",
		Short: "Revoke permissions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, p := range args {
					if err := a.Gate.Permissions().Revoke(ctx, p); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", p)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, grant, revoke)
	return cmd
}

func toolsNeeding(a *app.App, permission string) []string {
	var out []string
	for _, b := range a.Registry.Tools() {
		for _, p := range b.Permissions {
			if p == permission {
				out = append(out, b.ID)
				break
			}
		}
	}
	return out
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func buildSettingsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted routing settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *app.App) error {
				return printSettings(cmd, g, a)
			})
		},
	}
	cmd.AddCommand(
		buildToggleCmd(g, "rules-only", "Answer only from local rules",
			func(ctx context.Context, o *orchestrator.Orchestrator, on bool) error { return o.SetRulesOnly(ctx, on) }),
		buildToggleCmd(g, "auto-select", "Pick providers by capability and privacy",
			func(ctx context.Context, o *orchestrator.Orchestrator, on bool) error { return o.SetAutoSelection(ctx, on) }),
	)
	return cmd
}

func printSettings(cmd *cobra.Command, g *globalFlags, a *app.App) error {
	settings := map[string]bool{
		"rules_only":     a.Orchestrator.RulesOnly(),
		"auto_selection": a.Orchestrator.AutoSelection(),
	}
	if g.json {
		return printJSON(cmd.OutOrStdout(), settings)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rules-only:  %s\nauto-select: %s\n",
		onOff(settings["rules_only"]), onOff(settings["auto_selection"]))
	return nil
}

func buildToggleCmd(g *globalFlags, use, short string, set func(context.Context, *orchestrator.Orchestrator, bool) error) *cobra.Command {
	return &cobra.Command{
		Use:       use + " [on|off]",
		Short:     short,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					on, err := parseOnOff(args[0])
					if err != nil {
						return err
					}
					if err := set(ctx, a.Orchestrator, on); err != nil {
						return err
					}
				}
				return printSettings(cmd, g, a)
			})
		},
	}
}

func buildKeysCmd(_ *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Store provider API keys in the OS keychain",
	}

	set := &cobra.Command{
		Use:   "set <provider> [key]",
		Short: "Save an API key; read from the terminal when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := app.NormalizeKind(args[0])
			var key string
			if len(args) == 2 {
				key = args[1]
			} else {
				var err error
				if key, err = readSecret(cmd, provider); err != nil {
					return err
				}
			}
			if err := secrets.Set(provider, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key for %s saved\n", provider)
			return nil
		},
	}

	del := &cobra.Command{
		Use:     "delete <provider>",
		Aliases: []string{"rm"},
		Short:   "Remove a saved API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := app.NormalizeKind(args[0])
			if err := secrets.Delete(provider); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key for %s removed\n", provider)
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

func readSecret(cmd *cobra.Command, provider string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(cmd.ErrOrStderr(), "API key for %s: ", provider)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", NewInvalidArgumentError("key", "no key on standard input")
	}
	return strings.TrimSpace(line), nil
}

func buildHistoryCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent interactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rows, err := a.Store.History(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.json {
					return printJSON(out, rows)
				}
				w := newTabWriter(out)
				writeRow(w, "TIME", "ROLE", "TEXT", "CALL")
				for _, r := range rows {
					writeRow(w, r.CreatedAt.Local().Format(time.DateTime), r.Role, r.Text, r.ToolCall)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	return cmd
}

func buildUsageCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show token usage and cost per provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				totals, err := a.Store.Usage(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.json {
					return printJSON(out, totals)
				}
				w := newTabWriter(out)
				writeRow(w, "PROVIDER", "CALLS", "PROMPT", "COMPLETION", "COST (USD)")
				for _, u := range totals {
					writeRow(w, u.Provider, fmt.Sprint(u.Calls), fmt.Sprint(u.PromptTokens),
						fmt.Sprint(u.CompletionTokens), fmt.Sprintf("%.4f", u.CostUSD))
				}
				return w.Flush()
			})
		},
	}
}

func buildMemoryCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect facts the assistant was asked to remember",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				mems, err := a.Store.Memories(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.json {
					return printJSON(out, mems)
				}
				w := newTabWriter(out)
				writeRow(w, "KEY", "VALUE", "UPDATED")
				for _, m := range mems {
					writeRow(w, m.Key, m.Value, m.UpdatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget everything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Store.ClearMemories(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "memories cleared")
				return nil
			})
		},
	})
	return cmd
}
