package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/keeper"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
)

// StatusSource is anything that can report a keeper's runtime status.
// In the daemon this is *keeper.Node.
type StatusSource interface {
	Status() keeper.Status
}

// Server is the admin HTTP server: health probes, Prometheus metrics and
// a JSON status endpoint for the CLI.
type Server struct {
	src  StatusSource
	mux  *http.ServeMux
	http *http.Server
	ln   net.Listener
}

// NewServer creates the admin server. It does not listen until Start.
func NewServer(cfg config.APIConfig, src StatusSource) *Server {
	mux := http.NewServeMux()
	s := &Server{
		src: src,
		mux: mux,
	}

	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", s.statusHandler)

	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      instrument(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the instrumented handler for embedding in tests or
// other servers.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start binds the listen address and serves in the background. A bind
// failure is returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	logger := log.WithComponent("api")
	logger.Info().Str("addr", ln.Addr().String()).Msg("admin API listening")

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin API server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.http.Addr
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.src.Status()); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("encoding status response")
	}
}
