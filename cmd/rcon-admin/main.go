// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Command rcon-admin administers a Minecraft server over RCON.
//
// Usage:
//
//	rcon-admin [flags] exec <command...>
//	rcon-admin [flags] run <action> [args...]
//	rcon-admin [flags] serve
//	rcon-admin [flags] console
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schultz-is/rcon-admin"
	"github.com/schultz-is/rcon-admin/dispatch"
	"github.com/schultz-is/rcon-admin/internal/config"
	"github.com/schultz-is/rcon-admin/internal/console"
	"github.com/schultz-is/rcon-admin/moderation"
)

var (
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	outputStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

// app holds the flags and the components built from the loaded configuration.
type app struct {
	configPath string
	host       string
	port       int
	httpAddr   string

	overrides  config.Overrides
	cfg        *config.Config
	level      *slog.LevelVar
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fail(err)
	}
}

func newApp() *app {
	return &app{}
}

// rootCmd builds the command tree. Each subcommand loads the configuration and builds its
// components once flags are parsed.
func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rcon-admin",
		Short: "Administer a Minecraft server over RCON",
		Long: `rcon-admin sends administrative commands to a Minecraft server over RCON.

Settings come from a YAML file (--config or RCON_ADMIN_CONFIG), then the RCON_HOST, RCON_PORT,
RCON_PASSWORD, RCON_ADMIN_BRIDGE_TOKEN and RCON_ADMIN_HTTP_ADDR environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", os.Getenv("RCON_ADMIN_CONFIG"), "path to the YAML configuration file")
	pf.StringVar(&a.host, "host", "", "RCON host (overrides config and RCON_HOST)")
	pf.IntVar(&a.port, "port", 0, "RCON port (overrides config and RCON_PORT)")

	for _, sub := range []*cobra.Command{a.execCmd(), a.runCmd(), a.serveCmd(), a.consoleCmd()} {
		sub.PreRunE = a.setup
		root.AddCommand(sub)
	}
	return root
}

func (a *app) execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command...>",
		Short: "Send a raw console command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.dispatcher.Raw(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	var names []string
	for _, act := range dispatch.Actions {
		names = append(names, string(act))
	}
	return &cobra.Command{
		Use:       "run <action> [args...]",
		Short:     "Run a dispatcher action",
		Long:      "Run a dispatcher action. Actions: " + strings.Join(names, ", ") + ".",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.dispatcher.Run(cmd.Context(), dispatch.Action(args[0]), args[1:]...)
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the event bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&a.httpAddr, "http", "", "HTTP listen address (overrides config and RCON_ADMIN_HTTP_ADDR)")
	return cmd
}

func (a *app) consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Start the interactive console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("%w: console requires a terminal", dispatch.ErrInvalidArgument)
			}
			return console.Run(cmd.Context(), a.dispatcher, a.cfg.RCON.Address())
		},
	}
}

// overridesFor collects the flags set explicitly on cmd's command line.
func (a *app) overridesFor(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	flags := cmd.Flags()
	if flags.Changed("host") {
		o.Host = &a.host
	}
	if flags.Changed("port") {
		o.Port = &a.port
	}
	if flags.Changed("http") {
		o.HTTPAddr = &a.httpAddr
	}
	return o
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.overrides = a.overridesFor(cmd)

	cfg, err := config.Load(a.configPath, a.overrides)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.level = new(slog.LevelVar)
	a.level.Set(cfg.Log.SlogLevel())
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: a.level}))
	a.dispatcher = newDispatcher(cfg, a.logger)
	return nil
}

func newExecutor(cfg *config.Config, logger *slog.Logger) *rcon.Executor {
	return rcon.NewExecutor(rcon.Config{
		Address:              cfg.RCON.Address(),
		Password:             cfg.RCON.Password,
		Timeout:              cfg.RCON.Timeout,
		MultiPacket:          cfg.RCON.MultiPacket,
		TolerateAuthPreamble: cfg.RCON.TolerateAuthPreamble,
		Logger:               logger,
	})
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) *dispatch.Dispatcher {
	dcfg := dispatch.Config{
		Builder: dispatch.Builder{
			WhitelistPrefix: cfg.Dispatch.WhitelistPrefix,
			BroadcastPrefix: cfg.Dispatch.BroadcastPrefix,
			BroadcastColor:  cfg.Dispatch.BroadcastColor,
		},
		Admins: dispatch.NewAdminSet(cfg.Admins...),
		Logger: logger,
	}
	if len(cfg.Moderation.Blocklist) > 0 {
		dcfg.Moderation = moderation.NewBlocklist(cfg.Moderation.Blocklist...)
	}
	return dispatch.New(newExecutor(cfg, logger), dcfg)
}

// isTerminal reports whether w is a terminal. Styling is skipped for pipes and files.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func report(w io.Writer, out string) {
	if isTerminal(w) {
		out = outputStyle.Render(out)
	}
	fmt.Fprintln(w, out)
}

func fail(err error) {
	kind := dispatch.KindOf(err)
	label := kind + " error:"
	if isTerminal(os.Stderr) {
		label = errorStyle.Render(label)
	}
	fmt.Fprintln(os.Stderr, label, err)
	if kind == "usage" {
		os.Exit(2)
	}
	os.Exit(1)
}
