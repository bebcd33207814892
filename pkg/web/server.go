// Package web exposes the speed test over HTTP: run status, a trigger for new
// runs, a websocket feed of live updates, and collected metrics.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netspeed/pkg/config"
	"netspeed/pkg/metrics"
	"netspeed/pkg/orchestrator"
)

const (
	// liveWriteWait bounds a single websocket write
	liveWriteWait = 10 * time.Second
	// livePingPeriod keeps idle websocket connections open through proxies
	livePingPeriod = 30 * time.Second
	// shutdownTimeout bounds graceful shutdown
	shutdownTimeout = 5 * time.Second
)

// unmatchedRoute labels requests that no route handled
const unmatchedRoute = "unmatched"

// liveTokenParam carries the API token on /api/v1/live, since browser
// websocket clients cannot set an Authorization header
const liveTokenParam = "access_token"

// Server provides the HTTP API for the speed test.
type Server struct {
	// config holds the application configuration
	config *config.Config

	// orchestrator owns the run lifecycle
	orchestrator orchestrator.Orchestrator

	// logger provides structured logging
	logger *slog.Logger

	// server is the underlying HTTP server instance
	server *http.Server

	// metricsCollector backs /stats.json and counts incoming calls
	metricsCollector *metrics.Collector

	// gatherer backs /metrics
	gatherer prometheus.Gatherer

	// runCtx is handed to runs started over the API so that they outlive
	// the request that triggered them but not the server
	runCtx context.Context

	upgrader websocket.Upgrader
}

// StartResponse is returned by POST /api/v1/start
type StartResponse struct {
	Status  orchestrator.Status `json:"status"`
	Message string              `json:"message"`
}

// NewServer creates a new HTTP server for the given orchestrator.
func NewServer(cfg *config.Config, orch orchestrator.Orchestrator, logger *slog.Logger) *Server {
	return &Server{
		config:       cfg,
		orchestrator: orch,
		logger:       logger.With("component", "web"),
		runCtx:       context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is read-only and sits behind the same auth as the API
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetMetricsCollector sets the collector served on /stats.json
func (s *Server) SetMetricsCollector(collector *metrics.Collector) {
	s.metricsCollector = collector
}

// SetGatherer sets the Prometheus registry served on /metrics
func (s *Server) SetGatherer(gatherer prometheus.Gatherer) {
	s.gatherer = gatherer
}

// Handler builds the routed and wrapped handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/start", s.handleStart)
	mux.HandleFunc("/api/v1/live", s.handleLive)

	mux.HandleFunc("/stats.json", s.handleStats)
	mux.HandleFunc("/metrics", s.handleMetrics)

	return s.withLogging(s.withAuth(mux))
}

// Start serves the API until ctx is cancelled, then shuts down gracefully.
// Runs started over the API are cancelled together with ctx.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	s.server = &http.Server{
		Addr:              s.config.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting web server", "listen", s.config.API.Listen)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	return nil
}

// handleHealth reports that the process is serving. Measurement failures are
// part of normal results and never make the service unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(http.StatusText(http.StatusOK)))
}

// handleStatus returns the current run as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.orchestrator.GetStatus())
}

// handleStart begins a new run in the background and returns immediately.
// While a run is testing the request is rejected with 409.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.orchestrator.StartAsync(s.runCtx); err != nil {
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, StartResponse{
				Status:  orchestrator.StatusTesting,
				Message: err.Error(),
			})
			return
		}
		s.logger.Error("Failed to start speed test", "error", err)
		http.Error(w, "Failed to start speed test", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Speed test requested", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, StartResponse{
		Status:  orchestrator.StatusTesting,
		Message: "speed test started",
	})
}

// handleLive upgrades to a websocket and streams the run: the current state
// first, then every change. Updates that arrive faster than the client reads
// are coalesced so that the latest state always gets through.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates := make(chan orchestrator.TestRun, 1)
	unsubscribe := s.orchestrator.Subscribe(func(run orchestrator.TestRun) {
		select {
		case updates <- run:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- run:
			default:
			}
		}
	})
	defer unsubscribe()

	// The client never sends data; reading only detects when it goes away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeLive(conn, s.orchestrator.GetStatus()); err != nil {
		return
	}

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case run := <-updates:
			if err := s.writeLive(conn, run); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.runCtx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(liveWriteWait))
			return
		}
	}
}

func (s *Server) writeLive(conn *websocket.Conn, run orchestrator.TestRun) error {
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := conn.WriteJSON(run); err != nil {
		s.logger.Debug("Live update not delivered", "error", err)
		return err
	}
	return nil
}

// handleStats returns the JSON metrics collected since start.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.metricsCollector == nil {
		http.Error(w, "Metrics collector not configured", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, s.metricsCollector.GetStats())
}

// handleMetrics serves the Prometheus exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		http.Error(w, "Metrics registry not configured", http.StatusInternalServerError)
		return
	}

	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// withAuth requires a bearer token on every endpoint except health and status.
// The live feed also accepts the token in the access_token query parameter.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.API.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		switch r.URL.Path {
		case "/health", "/api/v1/status":
			next.ServeHTTP(w, r)
			return
		}

		token, ok := requestToken(r)
		if !ok {
			http.Error(w, "Authorization required", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.API.Auth.Token)) != 1 {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestToken extracts the bearer token, falling back to the query parameter
// on the live feed only
func requestToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", false
		}
		return strings.TrimPrefix(auth, "Bearer "), true
	}

	if r.URL.Path == "/api/v1/live" {
		if token := r.URL.Query().Get(liveTokenParam); token != "" {
			return token, true
		}
	}
	return "", false
}

// withLogging logs each request and records it with the metrics collector.
// Calls are recorded by route pattern so unknown paths share one entry.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		if s.metricsCollector != nil {
			s.metricsCollector.RecordIncomingCall(routeLabel(r))
		}

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// routeLabel returns the pattern the mux matched, set on r during routing
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return unmatchedRoute
	}
	return r.Pattern
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
