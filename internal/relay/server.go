// Package relay is the gateway-side HTTP surface: the progress callback
// endpoint the VM posts to, a public proxy for VM artifacts, and the
// health and metrics endpoints.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/pkg/models"
)

// ProgressSink receives progress callbacks routed by conversation key.
// The router satisfies it.
type ProgressSink interface {
	HandleProgress(callbackID, message string)
}

// ArtifactFetcher streams one artifact from the machine. The VM client
// satisfies it.
type ArtifactFetcher interface {
	Artifact(ctx context.Context, id string) (io.ReadCloser, string, error)
}

// Server serves the relay's listener.
type Server struct {
	cfg      *config.RelayConfig
	router   ProgressSink
	vm       ArtifactFetcher
	registry *prometheus.Registry
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates a relay server. registry may be nil to skip /metrics.
func New(cfg *config.RelayConfig, rt ProgressSink, vm ArtifactFetcher, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		router:   rt,
		vm:       vm,
		registry: registry,
		logger:   logger.With("component", "relay"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /callback/{userId}", s.handleCallback)
	mux.HandleFunc("GET /artifacts/{id}", s.handleArtifact)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run serves until ctx is canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	s.logger.Info("relay listening", "addr", addr)

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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleCallback receives an out-of-band progress event from the VM and
// routes it to the conversation it belongs to.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var ev models.ProgressEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if ev.Type != "progress" || ev.Message == "" {
		http.Error(w, "unsupported event", http.StatusBadRequest)
		return
	}
	s.router.HandleProgress(r.PathValue("userId"), ev.Message)
	w.WriteHeader(http.StatusNoContent)
}

// handleArtifact streams a VM artifact through the relay so view links
// work from networks that cannot reach the machine directly.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	body, contentType, err := s.vm.Artifact(r.Context(), r.PathValue("id"))
	if err != nil {
		var werr *models.Error
		if errors.As(err, &werr) {
			http.Error(w, werr.Message, werr.Kind.HTTPStatus())
			return
		}
		s.logger.Warn("artifact proxy failed", "error", err)
		http.Error(w, "artifact unavailable", http.StatusBadGateway)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	io.Copy(w, body)
}
