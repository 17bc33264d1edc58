// Package api provides the ops HTTP endpoints: health, session status and metrics
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/volatilevault/vault/internal/transfer"
	"github.com/volatilevault/vault/pkg/health"
	"github.com/volatilevault/vault/pkg/utils"
)

// SessionSource lists open transfer sessions grouped by exfil name.
type SessionSource interface {
	ListSessions() map[string][]transfer.Snapshot
}

// MetricsSource exposes collected metrics.
type MetricsSource interface {
	Handler() http.Handler
	GetMetrics() map[string]interface{}
}

// Server provides HTTP API endpoints for monitoring
type Server struct {
	httpServer    *http.Server
	healthTracker *health.Tracker
	sessions      SessionSource
	metrics       MetricsSource
	config        ServerConfig
	logger        *utils.StructuredLogger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:9090")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Version is reported by /info
	Version string `yaml:"-" json:"-"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		Version:      "dev",
	}
}

// NewServer creates a new API server. Any source may be nil; its endpoints then answer
// 503.
func NewServer(config ServerConfig, healthTracker *health.Tracker, sessions SessionSource, metrics MetricsSource, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		healthTracker: healthTracker,
		sessions:      sessions,
		metrics:       metrics,
		config:        config,
		logger:        logger.WithComponent("ops-api"),
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/components", s.handleHealthComponents)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)

	// Status endpoints
	mux.HandleFunc("/status/sessions", s.handleSessions)
	mux.HandleFunc("/status/sessions/", s.handleExfilSessions)
	mux.HandleFunc("/status/traffic", s.handleTraffic)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	mux.HandleFunc("/info", s.handleInfo)

	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting ops API server", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ops API server", nil)
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overallHealth := s.healthTracker.GetOverallHealth()
	components := s.healthTracker.GetAllComponents()

	unhealthy := make([]string, 0)
	for name, c := range components {
		if c.State != health.StateHealthy {
			unhealthy = append(unhealthy, name)
		}
	}
	sort.Strings(unhealthy)

	response := map[string]interface{}{
		"status":     overallHealth.String(),
		"timestamp":  time.Now(),
		"components": len(components),
		"unhealthy":  unhealthy,
	}

	statusCode := http.StatusOK
	switch overallHealth {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.healthTracker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}

	s.respondJSON(w, http.StatusOK, s.healthTracker.GetAllComponents())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	overallHealth := s.healthTracker.GetOverallHealth()
	ready := overallHealth != health.StateUnavailable

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    overallHealth.String(),
		"timestamp": time.Now(),
	})
}

// Status endpoint handlers

// sessionView is a session as shown to operators. The id is shortened since the full id
// authorizes chunk transfers.
type sessionView struct {
	ID         string    `json:"id"`
	Direction  string    `json:"direction"`
	State      string    `json:"state"`
	Storage    string    `json:"storage"`
	TotalSize  int64     `json:"totalSize"`
	ChunkCount int       `json:"chunkCount"`
	ChunksDone int       `json:"chunksDone"`
	Endpoints  []string  `json:"endpoints"`
	CreatedAt  time.Time `json:"createdAt"`
	Age        string    `json:"age"`
}

func newSessionView(snap transfer.Snapshot, now time.Time) sessionView {
	return sessionView{
		ID:         shortID(snap.ID),
		Direction:  snap.Direction,
		State:      snap.State,
		Storage:    snap.StorageName,
		TotalSize:  snap.TotalSize,
		ChunkCount: snap.ChunkCount,
		ChunksDone: snap.ChunksDone,
		Endpoints:  snap.Endpoints,
		CreatedAt:  snap.CreatedAt,
		Age:        now.Sub(snap.CreatedAt).Round(time.Second).String(),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Server) sessionViews() map[string][]sessionView {
	now := time.Now()
	out := make(map[string][]sessionView)
	for exfil, snaps := range s.sessions.ListSessions() {
		views := make([]sessionView, 0, len(snaps))
		for _, snap := range snaps {
			views = append(views, newSessionView(snap, now))
		}
		out[exfil] = views
	}
	return out
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.sessions == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Session tracking not configured")
		return
	}

	views := s.sessionViews()
	count := 0
	for _, v := range views {
		count += len(v)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":  views,
		"count":     count,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleExfilSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.sessions == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Session tracking not configured")
		return
	}

	exfil := strings.TrimPrefix(r.URL.Path, "/status/sessions/")
	if exfil == "" {
		s.respondError(w, http.StatusBadRequest, "Exfil name required")
		return
	}

	views, ok := s.sessionViews()[exfil]
	if !ok {
		s.respondError(w, http.StatusNotFound, "Exfil not found: "+exfil)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"exfil":     exfil,
		"sessions":  views,
		"count":     len(views),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.metrics == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Metrics not configured")
		return
	}

	s.respondJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	endpoints := []string{
		"/health",
		"/health/components",
		"/health/live",
		"/health/ready",
		"/status/sessions",
		"/status/sessions/{exfil}",
		"/status/traffic",
		"/info",
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "VolatileVault ops API",
		"version":   s.config.Version,
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("ops request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", map[string]interface{}{"error": err})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
