package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/74th/websocket-control-stackchan/internal/config"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/stream"
)

const (
	serviceName    = "stackchan-server"
	serviceVersion = "1.0.0"
)

// HTTPServer serves the device endpoint and the monitoring API
type HTTPServer struct {
	server    *http.Server
	router    chi.Router
	logger    *slog.Logger
	config    *config.Config
	manager   *stream.Manager
	devices   *DeviceHandler
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	startTime time.Time
}

// NewHTTPServer creates the HTTP server. gatherer backs /metrics.
func NewHTTPServer(appConfig *config.Config, manager *stream.Manager, devices *DeviceHandler,
	logger *slog.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		manager:   manager,
		devices:   devices,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	h.router = h.setupRoutes()
	h.server = &http.Server{
		Addr:              appConfig.Server.Address(),
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

func (h *HTTPServer) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// the upgrade needs the raw ResponseWriter, so it stays outside the
	// metrics wrapper
	r.Get(h.config.Server.WSPath, h.devices.ServeHTTP)

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(h.withMetrics)
		r.Get("/", h.handleRoot)
		r.Get("/health", h.handleHealth)
		r.Get("/sessions", h.handleSessions)
		r.Get("/sessions/{id}", h.handleSessionDetail)
		r.Get("/config", h.handleConfig)
		r.Get("/stats", h.handleStats)
		r.Get("/stats/transcription", h.handleTranscriptionStats)
	})

	return r
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics records request count and latency by route pattern
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server in the background
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
		slog.String("ws_path", h.config.Server.WSPath),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting requests and drains device connections
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	err := h.server.Shutdown(ctx)
	if derr := h.devices.Shutdown(ctx); derr != nil && err == nil {
		err = derr
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"active_sessions": h.manager.GetActiveSessionCount(),
	})
}

func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.GetAllSessions()
	infos := make([]stream.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	session, exists := h.manager.GetSession(chi.URLParam(r, "id"))
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	sc := h.config.Server
	tc := h.config.Transcription

	// api key omitted
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"bind_address":       sc.BindAddress,
			"port":               sc.Port,
			"ws_path":            sc.WSPath,
			"listen_timeout":     sc.ListenTimeout,
			"speak_done_timeout": sc.SpeakDoneTimeout,
			"session_timeout":    sc.SessionTimeout,
			"segment_millis":     sc.SegmentMillis,
			"chunk_bytes":        sc.ChunkBytes,
			"recordings_dir":     sc.RecordingsDir,
			"max_turns":          sc.MaxTurns,
		},
		"audio": map[string]any{
			"sample_rate": h.config.Audio.SampleRate,
		},
		"transcription": map[string]any{
			"enabled":        tc.Enabled(),
			"endpoint":       tc.Endpoint,
			"timeout":        tc.Timeout,
			"max_retries":    tc.MaxRetries,
			"max_concurrent": tc.MaxConcurrent,
			"language":       tc.Language,
		},
		"synthesis": map[string]any{
			"enabled":        h.config.Synthesis.Enabled(),
			"endpoint":       h.config.Synthesis.Endpoint,
			"speaker":        h.config.Synthesis.Speaker,
			"timeout":        h.config.Synthesis.Timeout,
			"max_retries":    h.config.Synthesis.MaxRetries,
			"max_concurrent": h.config.Synthesis.MaxConcurrent,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"devices":   h.devices.GetStatistics(),
		"sessions": map[string]any{
			"active_count": h.manager.GetActiveSessionCount(),
		},
	}
	if ts, ok := h.manager.GetTranscriptionStats(); ok {
		stats["transcription"] = ts
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	ts, ok := h.manager.GetTranscriptionStats()
	if !ok {
		http.Error(w, "Transcription disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"GET /":                    "API documentation",
		"GET /health":              "Service health check",
		"GET /sessions":            "List connected devices",
		"GET /sessions/{id}":       "Session detail",
		"GET /config":              "Service configuration",
		"GET /stats":               "Service statistics",
		"GET /stats/transcription": "Transcription statistics",
		"GET /metrics":             "Prometheus metrics",
	}
	endpoints["GET "+h.config.Server.WSPath] = "Device WebSocket"

	writeJSON(w, http.StatusOK, map[string]any{
		"service":   serviceName,
		"version":   serviceVersion,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}
