// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Command avva runs the assistant and manages its providers, permissions
// and settings.
//
//	avva run                      read commands from stdin
//	avva ask "what time is it"    answer one command
//	avva serve                    push events over a websocket
//	avva mcp                      offer skill tools to MCP clients
//	avva brains list              show reasoning providers
//
// Configuration comes from --config (YAML), AVVA_ environment variables and
// repeated --set key=value overrides. A .env file is loaded first.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jllopis/avva/internal/app"
	"github.com/jllopis/avva/pkg/config"
	"github.com/jllopis/avva/pkg/mcp"
)

type globalFlags struct {
	configPath string
	profile    string
	overrides  []string
	envFiles   []string
	json       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mcp.ClientVersion = app.Version
	g := &globalFlags{}
	root := buildRootCmd(g)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err, g.json)
		os.Exit(1)
	}
}

func buildRootCmd(g *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "avva",
		Short:         "Voice assistant with local intents and multi-provider reasoning",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", os.Getenv("AVVA_CONFIG"), "Path to the YAML configuration file")
	pf.StringVar(&g.profile, "profile", "", "Configuration profile overlay (or AVVA_PROFILE)")
	pf.StringArrayVar(&g.overrides, "set", nil, "Override a configuration key (key=value, repeatable)")
	pf.StringArrayVar(&g.envFiles, "env-file", nil, "Load KEY=VALUE files before reading the environment (default .env)")
	pf.BoolVar(&g.json, "json", false, "Print machine readable output")

	root.AddCommand(
		buildRunCmd(g),
		buildAskCmd(g),
		buildServeCmd(g),
		buildMCPCmd(g),
		buildBrainsCmd(g),
		buildPermissionsCmd(g),
		buildSettingsCmd(g),
		buildKeysCmd(g),
		buildHistoryCmd(g),
		buildUsageCmd(g),
		buildMemoryCmd(g),
		buildVersionCmd(),
	)
	return root
}

func (g *globalFlags) loadOptions() config.LoadOptions {
	return config.LoadOptions{Path: g.configPath, Profile: g.profile, Overrides: g.overrides}
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(g.envFiles...); err != nil {
		return nil, NewConfigError(err, strings.Join(g.envFiles, ","))
	}
	cfg, err := config.LoadWith(g.loadOptions())
	if err != nil {
		return nil, NewConfigError(err, g.configPath)
	}
	return cfg, nil
}

// withApp loads configuration and wires the application for the duration
// of fn.
func (g *globalFlags) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error, opts ...app.Option) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	return fn(ctx, a)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
}

func writeRow(w io.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}

func normalizeCell(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	if s == "" {
		return "-"
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func parseOnOff(arg string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "on", "true", "yes", "1", "enable", "enabled":
		return true, nil
	case "off", "false", "no", "0", "disable", "disabled":
		return false, nil
	}
	return false, NewInvalidArgumentError(arg, "expected on or off")
}
