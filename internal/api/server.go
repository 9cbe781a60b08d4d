// Package api serves the console-facing HTTP surface: the JSON query API,
// the websocket push stream, Prometheus metrics, and health probes.
//
// Node-level failures are contained inside response bodies, not surfaced
// as HTTP errors: a cluster query over a half-down cluster is still a 200
// whose per-node entries carry the failures. Error responses are always
// `{"error": "..."}` JSON.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casscope/casscope/internal/engine"
)

// DefaultResetReason is recorded when a reset request names no reason.
const DefaultResetReason = "operator request"

// Config holds configuration for creating a new Server.
type Config struct {
	Addr     string
	Logger   *slog.Logger
	Gatherer prometheus.Gatherer // nil = default registry
}

// Server is the console-facing HTTP server.
type Server struct {
	addr   string
	logger *slog.Logger
	engine *engine.Engine
	server *http.Server
}

// NewServer creates an API server over the given engine.
func NewServer(eng *engine.Engine, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		addr:   cfg.Addr,
		logger: logger,
		engine: eng,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /api/v1/cluster/metrics", s.handleClusterMetrics)
	mux.HandleFunc("GET /api/v1/cluster/trend", s.handleClusterTrend)
	mux.HandleFunc("GET /api/v1/nodes/{host}/health", s.handleNodeHealth)
	mux.HandleFunc("POST /api/v1/reset", s.handleReset)
	mux.HandleFunc("GET /api/v1/ws", s.handleWS)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
		// Websocket streams are long-lived; only the header read gets a
		// server-wide deadline.
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routing handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server in a goroutine.
// Returns immediately. Use Shutdown to stop.
func (s *Server) Start() error {
	s.logger.Info("api_server_starting", "addr", s.addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server. Live websocket connections
// are owned by the hub and closed by the engine's Stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("api_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Running() {
		s.writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"connected_nodes": s.engine.ConnectedNodes(),
	})
}

func (s *Server) handleClusterMetrics(w http.ResponseWriter, r *http.Request) {
	res := s.engine.QueryClusterMetrics(r.Context())
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClusterTrend(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Trend())
}

func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")

	res, err := s.engine.ProbeNode(r.Context(), host)
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown node %q", host))
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type resetRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	// The body is optional; a missing or malformed reason falls back to
	// the default rather than failing the reset.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = DefaultResetReason
	}

	closed := s.engine.ForceReset(req.Reason)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "reset",
		"closed": closed,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.engine.Hub().ServeWS(w, r)
}

// =============================================================================
// Response helpers
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response_encode_failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
