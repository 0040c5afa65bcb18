package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jllopis/avva/internal/app"
	"github.com/jllopis/avva/pkg/assistant"
	"github.com/jllopis/avva/pkg/config"
	"github.com/jllopis/avva/pkg/core"
	"github.com/jllopis/avva/pkg/server"
)

func buildRunCmd(g *globalFlags) *cobra.Command {
	var (
		stream bool
		voice  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Read commands from stdin and answer them until EOF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				stop := g.watch(ctx, a)
				defer stop()
				a.Assistant.CheckStartupPermissions(ctx, voice)

				out := cmd.OutOrStdout()
				loop := assistant.NewLoop(a.Assistant,
					assistant.NewLineListener(cmd.InOrStdin(), out, "> "),
					assistant.NewWriterSpeaker(out, a.Assistant.Name()),
					assistant.WithStreaming(stream || a.Config.Assistant.Stream),
				)
				return loop.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream provider replies")
	cmd.Flags().BoolVar(&voice, "voice", false, "Also request the microphone permission at startup")
	return cmd
}

func buildAskCmd(g *globalFlags) *cobra.Command {
	var (
		stream bool
		route  core.Routing
	)
	cmd := &cobra.Command{
		Use:   "ask <command...>",
		Short: "Answer a single command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if route != (core.Routing{}) {
					ctx = core.WithRouting(ctx, route)
				}
				out := cmd.OutOrStdout()
				var (
					reply    assistant.Reply
					streamed strings.Builder
				)
				if stream {
					sink := func(chunk string) {
						streamed.WriteString(chunk)
						if !g.json {
							fmt.Fprint(out, chunk)
						}
					}
					reply = a.Assistant.ProcessStream(ctx, command, sink, nil)
				} else {
					reply = a.Assistant.Process(ctx, command)
				}
				if g.json {
					return printJSON(out, replyView(reply))
				}
				printReply(out, reply, streamed.String())
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&stream, "stream", false, "Print provider text as it arrives")
	f.BoolVar(&route.Sensitive, "sensitive", false, "Keep the request on a local provider")
	f.BoolVar(&route.RequiresPrivacy, "private", false, "Require a local privacy provider")
	f.StringVar(&route.Capability, "capability", "", "Require a provider with this capability (e.g. vision)")
	return cmd
}

// printReply finishes a streamed line and prints the reply text unless the
// stream already showed it. A dispatched tool call always prints its result.
func printReply(w io.Writer, reply assistant.Reply, streamed string) {
	if streamed != "" {
		fmt.Fprintln(w)
		if reply.Call == "" && strings.TrimSpace(reply.Text) == strings.TrimSpace(streamed) {
			return
		}
	}
	if reply.Text != "" {
		fmt.Fprintln(w, reply.Text)
	}
}

type replyJSON struct {
	Kind        string         `json:"kind"`
	Text        string         `json:"text"`
	Data        map[string]any `json:"data,omitempty"`
	Call        string         `json:"call,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Interrupted bool           `json:"interrupted,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func replyView(r assistant.Reply) replyJSON {
	v := replyJSON{
		Kind:        r.Kind.String(),
		Text:        r.Text,
		Data:        r.Data,
		Call:        r.Call,
		Provider:    r.Provider,
		Interrupted: r.Interrupted,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

func buildServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket event channel and /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				stop := g.watch(ctx, a)
				defer stop()
				a.Assistant.CheckStartupPermissions(ctx, false)

				sc := a.Config.Server
				if addr != "" {
					sc.Addr = addr
				}
				srv := server.New(sc.Addr, a.Hub,
					server.WithPath(sc.Path),
					server.WithHealth(a.Health),
					server.WithLogger(a.Logger),
				)
				return srv.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func buildMCPCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve skill tools to MCP clients over stdio",
		Long: "Serve skill tools to MCP clients over stdio.\n\n" +
			"Standard input and output carry the protocol, so missing permissions are\n" +
			"denied instead of prompted. Grant them beforehand with 'avva permissions grant'\n" +
			"or set governance.auto_approve.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.MCPServer().Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			}, app.WithInteractive(func() bool { return false }))
		},
	}
}

// watch reloads the configuration file on change. The returned function
// stops the watcher.
func (g *globalFlags) watch(ctx context.Context, a *app.App) func() {
	if g.configPath == "" {
		return func() {}
	}
	w, err := config.NewWatcher(g.loadOptions(), config.WithWatchLogger(a.Logger))
	if err != nil {
		a.Logger.Warn("configuration watcher disabled", "component", "cli", "error", err)
		return func() {}
	}
	a.Watch(ctx, w)
	return w.Stop
}

