// Package main is the CLI entry point for the cockpit relay.
//
// The relay is the always-on gateway side: it connects the configured
// chat networks (Discord, Telegram), routes messages through the
// per-user conversation state machine, and drives the remote dev
// machine over HTTP.
//
// Start the relay:
//
//	cockpit serve --config cockpit.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/textslash/cockpit/internal/channels"
	"github.com/textslash/cockpit/internal/channels/discord"
	"github.com/textslash/cockpit/internal/channels/telegram"
	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/observability"
	"github.com/textslash/cockpit/internal/relay"
	"github.com/textslash/cockpit/internal/router"
	"github.com/textslash/cockpit/internal/vmclient"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "cockpit",
		Short:        "Drive a remote dev machine from chat",
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		Long: `Start the relay: connect the configured chat networks, serve the
progress-callback and artifact endpoints, and route messages to the
remote machine. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cockpit.yaml",
		"Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cockpit %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadRelay(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	metrics, registry := observability.NewMetrics()
	vm := vmclient.New(cfg.VM, metrics, logger)
	reg := channels.NewRegistry(logger)
	rt := router.New(cfg, vm, reg, metrics, logger)

	var adapters []channels.Adapter
	if cfg.Channels.Discord.Token != "" {
		adapters = append(adapters, discord.New(cfg.Channels.Discord.Token, cfg.Channels.Discord.AllowFrom, logger))
	}
	if cfg.Channels.Telegram.Token != "" {
		adapters = append(adapters, telegram.New(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowFrom, logger))
	}
	if len(adapters) == 0 {
		logger.Warn("no channel adapters configured; only the HTTP surface is live")
	}

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s adapter: %w", a.Type(), err)
		}
		reg.Register(a)
		go rt.Pump(ctx, a)
	}
	defer reg.StopAll()

	srv := relay.New(cfg, rt, vm, registry, logger)
	return srv.Run(ctx)
}
