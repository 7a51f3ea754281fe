// Package vmserver is the HTTP surface of the remote machine: command
// execution, the approval gate, repo actions, thread sessions, and the
// artifact store, behind a single listener the relay drives.
package vmserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/textslash/cockpit/internal/artifacts"
	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/engine"
	"github.com/textslash/cockpit/internal/repo"
	"github.com/textslash/cockpit/internal/skills"
	"github.com/textslash/cockpit/internal/storage"
	"github.com/textslash/cockpit/internal/threads"
)

// Server wires the machine-side components behind one mux.
type Server struct {
	cfg       config.VMConfig
	engine    *engine.Engine
	threads   *threads.Manager
	repos     *repo.Manager
	artifacts *artifacts.Store
	skills    *skills.Lister
	db        *storage.Store
	registry  *prometheus.Registry
	logger    *slog.Logger

	callback     *http.Client
	lastActivity atomic.Int64
	httpServer   *http.Server
}

// Deps carries the constructed components into the server.
type Deps struct {
	Engine    *engine.Engine
	Threads   *threads.Manager
	Repos     *repo.Manager
	Artifacts *artifacts.Store
	Skills    *skills.Lister
	DB        *storage.Store
	Registry  *prometheus.Registry
	Logger    *slog.Logger
}

// New creates a server from its components.
func New(cfg config.VMConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		threads:   deps.Threads,
		repos:     deps.Repos,
		artifacts: deps.Artifacts,
		skills:    deps.Skills,
		db:        deps.DB,
		registry:  deps.Registry,
		logger:    logger.With("component", "vmserver"),
		callback:  &http.Client{Timeout: 10 * time.Second},
	}
	s.touch()
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("POST /approve", s.handleApprove)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /session/new", s.handleSessionNew)

	mux.HandleFunc("POST /repo/clone", s.handleClone)
	mux.HandleFunc("POST /repo/switch", s.handleSwitch)
	mux.HandleFunc("POST /repo/status", s.handleRepoStatus)
	mux.HandleFunc("POST /repo/branches", s.handleBranches)
	mux.HandleFunc("POST /repo/branch", s.handleBranch)
	mux.HandleFunc("POST /repo/checkout", s.handleCheckout)
	mux.HandleFunc("POST /repo/pull", s.handlePull)
	mux.HandleFunc("POST /repo/pr/create", s.handlePRCreate)
	mux.HandleFunc("POST /repo/pr/status", s.handlePRStatus)
	mux.HandleFunc("POST /repo/pr/merge", s.handlePRMerge)

	mux.HandleFunc("POST /thread/create", s.handleThreadCreate)
	mux.HandleFunc("POST /thread/{id}/input", s.handleThreadInput)
	mux.HandleFunc("GET /thread/{id}/output", s.handleThreadOutput)
	mux.HandleFunc("POST /thread/{id}/kill", s.handleThreadKill)
	mux.HandleFunc("GET /threads", s.handleThreads)

	mux.HandleFunc("GET /artifacts/{id}", s.handleArtifact)
	mux.HandleFunc("GET /skills", s.handleSkills)

	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return s.activityMiddleware(mux)
}

// Run serves until ctx is canceled, the idle watchdog fires, or the
// listener fails. The artifact sweep runs on its cron schedule for the
// server's lifetime.
func (s *Server) Run(ctx context.Context) error {
	s.threads.Reconcile(ctx)

	sweeper := cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Artifacts.SweepInterval)
	if _, err := sweeper.AddFunc(spec, func() {
		if _, err := s.artifacts.Sweep(); err != nil {
			s.logger.Warn("artifact sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule artifact sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleCtx, cancelIdle := context.WithCancel(ctx)
	defer cancelIdle()
	go s.idleWatchdog(idleCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	s.logger.Info("vm server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Server) activityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.touch()
		next.ServeHTTP(w, r)
	})
}

// idleWatchdog exits the process cleanly when nothing has happened for
// the idle window and no execution is in flight. The host layer parks
// the machine once the server is down.
func (s *Server) idleWatchdog(ctx context.Context) {
	if s.cfg.Server.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle < s.cfg.Server.IdleTimeout || s.engine.Busy() {
				continue
			}
			s.logger.Info("idle timeout reached, shutting down", "idle", idle)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.httpServer.Shutdown(shutdownCtx)
			cancel()
			os.Exit(0)
		}
	}
}

// postProgress relays an out-of-band progress line to the relay's
// callback endpoint for userID. Failures are logged, never fatal.
func (s *Server) postProgress(userID, message string) {
	if s.cfg.Server.CallbackURL == "" || userID == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{"type": "progress", "message": message})
	u := s.cfg.Server.CallbackURL + "/callback/" + url.PathEscape(userID)
	resp, err := s.callback.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("progress callback failed", "user_id", userID, "error", err)
		return
	}
	resp.Body.Close()
}
