// Package main is the CLI entry point for the cockpit VM server.
//
// The VM server runs on the remote dev machine: it executes agent
// invocations one at a time, manages tmux thread sessions, serves
// rendered artifacts, and shuts itself down when idle so the host can
// park the machine.
//
// Start the server:
//
//	cockpit-vm serve --config cockpit-vm.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/textslash/cockpit/internal/artifacts"
	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/engine"
	"github.com/textslash/cockpit/internal/observability"
	"github.com/textslash/cockpit/internal/repo"
	"github.com/textslash/cockpit/internal/skills"
	"github.com/textslash/cockpit/internal/storage"
	"github.com/textslash/cockpit/internal/threads"
	"github.com/textslash/cockpit/internal/vmserver"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "cockpit-vm",
		Short:        "Machine-side server for the cockpit relay",
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
		Short: "Start the VM server",
		Long: `Start the VM server: reconcile leftover tmux sessions, sweep expired
artifacts on schedule, and serve the execution, repo, thread, and
artifact endpoints. The process exits on its own after the configured
idle window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cockpit-vm.yaml",
		"Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cockpit-vm %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadVM(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	metrics, registry := observability.NewMetrics()

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	arts, err := artifacts.NewStore(db, artifacts.Options{
		Dir:      cfg.Artifacts.Dir,
		TTL:      cfg.Artifacts.TTL,
		MaxItems: cfg.Artifacts.MaxItems,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	repos := repo.NewManager(cfg.Execution.WorkspaceRoot, db, logger)
	eng := engine.New(cfg.Execution, repos, metrics, logger)
	thr := threads.NewManager(cfg.Threads, cfg.Execution.WorkspaceRoot, threads.CLI{}, db, metrics, logger)
	sk := skills.NewLister(cfg.Skills.BaseDir, logger)

	srv := vmserver.New(*cfg, vmserver.Deps{
		Engine:    eng,
		Threads:   thr,
		Repos:     repos,
		Artifacts: arts,
		Skills:    sk,
		DB:        db,
		Registry:  registry,
		Logger:    logger,
	})
	return srv.Run(ctx)
}
