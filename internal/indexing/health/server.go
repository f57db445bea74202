package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resyncer runs a manual resync. Empty chainID means every chain.
type Resyncer interface {
	Resync(ctx context.Context, chainID string) (string, error)
}

// Server provides HTTP endpoints for health monitoring and operations.
type Server struct {
	monitor  *Monitor
	resyncer Resyncer
	server   *http.Server
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, resyncer Resyncer, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor:  monitor,
		resyncer: resyncer,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/resync", s.handleResync)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := Overall(s.monitor.CheckHealth(r.Context()))

	response := map[string]string{"status": string(status)}
	w.Header().Set("Content-Type", "application/json")

	if status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	chains := s.monitor.CheckHealth(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthReport{SystemStatus: Overall(chains), Chains: chains})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.resyncer == nil {
		http.Error(w, "resync not available", http.StatusServiceUnavailable)
		return
	}

	chainID := r.URL.Query().Get("chain_id")
	summary, err := s.resyncer.Resync(r.Context(), chainID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		slog.Error("Manual resync failed", "chain", chainID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
	_, _ = fmt.Fprintln(w, summary)
}
