// Package transport provides the HTTP and WebSocket API of serve mode.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/stresscapture/internal/storage"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// History pagination bounds.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// CaptureAPI is the live capture state the handlers expose.
type CaptureAPI interface {
	Snapshot() types.CaptureSnapshot
	Last() *types.IterationResult
	RequestStop() bool
}

// HealthChecker checks the node RPC for readiness probes.
type HealthChecker interface {
	CheckRPC(ctx context.Context) error
}

// BlockTimeSource provides the block time summary.
type BlockTimeSource interface {
	Snapshot() *types.BlockTimeStats
}

// StatusResponse is the body of /v1/status and of each WebSocket message.
type StatusResponse struct {
	Capture    types.CaptureSnapshot  `json:"capture"`
	Last       *types.IterationResult `json:"last,omitempty"`
	BlockTimes *types.BlockTimeStats  `json:"blockTimes,omitempty"`
}

// Server handles HTTP requests for serve mode.
type Server struct {
	api        CaptureAPI
	store      storage.Storage
	health     HealthChecker
	blockTimes BlockTimeSource
	metrics    http.Handler
	logger     *slog.Logger
	startTime  time.Time
	wsServer   *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server. store may be nil when persistence is disabled.
func NewServer(api CaptureAPI, store storage.Storage, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		api:       api,
		store:     store,
		metrics:   promhttp.Handler(),
		logger:    logger,
		startTime: time.Now(),
	}
	s.wsServer = NewWebSocketServer(s.status, logger)

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// SetHealthChecker enables the RPC check of /ready.
func (s *Server) SetHealthChecker(h HealthChecker) { s.health = h }

// SetBlockTimes adds the block time summary to status responses.
func (s *Server) SetBlockTimes(b BlockTimeSource) { s.blockTimes = b }

// SetMetricsHandler replaces the default Prometheus handler.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// WebSocket returns the status broadcaster.
func (s *Server) WebSocket() *WebSocketServer { return s.wsServer }

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned, standard probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", s.metrics)

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Capture: s.api.Snapshot(),
		Last:    s.api.Last(),
	}
	if s.blockTimes != nil {
		resp.BlockTimes = s.blockTimes.Snapshot()
	}
	return resp
}

// handleStatus returns the live capture snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.status())
}

// handleStop raises the stop signal of the running capture.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.api.RequestStop() {
		s.writeJSONError(w, "No capture running", http.StatusConflict)
		return
	}
	s.logger.Info("stop requested over HTTP")
	s.writeJSON(w, map[string]string{"status": "draining"})
}

// handleHistory returns run history with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeJSONError(w, "Persistence disabled", http.StatusServiceUnavailable)
		return
	}

	limit := defaultHistoryLimit
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxHistoryLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

// handleHistoryDetail handles GET and DELETE /v1/history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, "Persistence disabled", http.StatusServiceUnavailable)
		return
	}

	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	if runID == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, map[string]bool{"deleted": true})
	case http.MethodGet:
		detail, err := storage.LoadDetail(r.Context(), s.store, runID)
		if errors.Is(err, storage.ErrNotFound) {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, detail)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := s.health.CheckRPC(ctx)
		check := ReadinessCheck{
			Name:      "node-rpc",
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response.
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
