// Package server provides the HTTP server of the config server and wires
// its components together.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/inpertio/config-server/access"
	"github.com/inpertio/config-server/branchcache"
	"github.com/inpertio/config-server/interest"
	"github.com/inpertio/config-server/journal"
	"github.com/inpertio/config-server/mirror"
	"github.com/inpertio/config-server/protocol/keyvalue"
	"github.com/inpertio/config-server/protocol/resource"
	"github.com/inpertio/config-server/refresh"
	"github.com/inpertio/config-server/snapshot"
	"github.com/inpertio/config-server/telemetry"
	"github.com/inpertio/config-server/upstream"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// RemoteURI is the git repository branches are served from.
	RemoteURI string

	// DataRoot holds mirrors (repo/), snapshots (content/) and the journal.
	DataRoot string

	// RemoteTimeout bounds listing the remote and syncing one branch.
	// Zero keeps the component defaults.
	RemoteTimeout time.Duration

	// ReapInterval is how often orphan snapshots are removed.
	// Default is 10 minutes.
	ReapInterval time.Duration

	// AuthToken enables bearer authentication when set.
	AuthToken string

	// EvictRemoved stops serving wanted branches that were deleted upstream.
	EvictRemoved bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server of the config server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	tracker   *interest.Tracker
	cache     *branchcache.Cache
	journal   *journal.Journal
	refresher *refresh.Refresher
	gate      *refresh.Gate
	reaper    *snapshot.Reaper
	access    *access.Service
	keyvalue  *keyvalue.Handler
	resource  *resource.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.RemoteURI == "" {
		return nil, errors.New("remote URI is required")
	}
	if cfg.DataRoot == "" {
		return nil, errors.New("data root is required")
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = snapshot.DefaultReapInterval
	}

	repoRoot := filepath.Join(cfg.DataRoot, "repo")
	contentRoot := filepath.Join(cfg.DataRoot, "content")
	for _, dir := range []string{repoRoot, contentRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	j, err := journal.Open(filepath.Join(cfg.DataRoot, "journal.db"),
		journal.WithLogger(cfg.Logger.With("component", "journal")),
	)
	if err != nil {
		return nil, err
	}

	listerOpts := []upstream.Option{upstream.WithLogger(cfg.Logger.With("component", "lister"))}
	syncOpts := []mirror.Option{mirror.WithLogger(cfg.Logger.With("component", "mirror"))}
	if cfg.RemoteTimeout > 0 {
		listerOpts = append(listerOpts, upstream.WithTimeout(cfg.RemoteTimeout))
		syncOpts = append(syncOpts, mirror.WithTimeout(cfg.RemoteTimeout))
	}

	tracker := interest.New()
	store := snapshot.NewStore(contentRoot, snapshot.WithLogger(cfg.Logger.With("component", "snapshot")))
	cache := branchcache.New(store, branchcache.WithLogger(cfg.Logger.With("component", "branchcache")))

	refresher, err := refresh.New(refresh.Config{
		RemoteURI:    cfg.RemoteURI,
		Tracker:      tracker,
		Cache:        cache,
		Lister:       upstream.NewLister(listerOpts...),
		Synchronizer: mirror.New(syncOpts...),
		Mirrors:      mirror.NewPruner(repoRoot, cfg.Logger.With("component", "mirror")),
		Snapshots:    store,
		Recorder:     j,
		EvictRemoved: cfg.EvictRemoved,
		Logger:       cfg.Logger.With("component", "refresh"),
	})
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	gate := refresh.NewGate(refresher.Run, refresh.WithGateLogger(cfg.Logger.With("component", "refresh")))
	reaper := snapshot.NewReaper(refresher.Sweep, cfg.ReapInterval, cfg.Logger.With("component", "reaper"))

	accessSvc := access.New(tracker, cache, gate, access.WithLogger(cfg.Logger.With("component", "access")))

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		tracker:   tracker,
		cache:     cache,
		journal:   j,
		refresher: refresher,
		gate:      gate,
		reaper:    reaper,
		access:    accessSvc,
		keyvalue: keyvalue.NewHandler(
			keyvalue.NewService(accessSvc, keyvalue.WithServiceLogger(cfg.Logger.With("component", "keyvalue"))),
			keyvalue.WithLogger(cfg.Logger.With("component", "keyvalue")),
		),
		resource: resource.NewHandler(
			resource.NewService(accessSvc, resource.WithServiceLogger(cfg.Logger.With("component", "resource"))),
			resource.WithLogger(cfg.Logger.With("component", "resource")),
		),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // covers a refresh cycle on a cache miss
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the complete HTTP handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(gzhttp.GzipHandler(mux)))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Branch and cycle stats
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /stats/branches/{branch...}", s.handleBranchStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Operator triggered refresh cycle
	mux.HandleFunc("POST /api/admin/v1/refresh", s.handleRefresh)

	// Flattened configuration and raw files
	mux.Handle("GET /api/keyValue/v1/{branch}/{paths...}", s.keyvalue)
	mux.Handle("GET /api/resource/v1/{branch}/{path...}", s.resource)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "internal")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Handlers and the access layer fill these in while serving.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Protocol = deriveProtocol(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"protocol", tags.Protocol,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Branch != "" {
			attrs = append(attrs, "branch", tags.Branch, "commit", tags.Commit)
		}
		attrs = append(attrs, "cache_result", string(tags.CacheResult))

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the orphan reaper and the HTTP listener.
func (s *Server) Start() error {
	s.logger.Info("starting snapshot reaper", "interval", s.config.ReapInterval)
	s.reaper.Start(context.Background())

	s.logger.Info("starting server",
		"address", s.config.Address,
		"remote", s.config.RemoteURI,
		"data_root", s.config.DataRoot,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.reaper.Stop()
	if cerr := s.journal.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases resources of a server that was never started.
func (s *Server) Close() error {
	s.reaper.Stop()
	return s.journal.Close()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveProtocol classifies the request path. Handlers may refine it.
func deriveProtocol(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics",
		strings.HasPrefix(path, "/stats/"):
		return "internal"
	case strings.HasPrefix(path, "/api/keyValue/"):
		return "keyvalue"
	case strings.HasPrefix(path, "/api/resource/"):
		return "resource"
	case strings.HasPrefix(path, "/api/admin/"):
		return "admin"
	default:
		return "unknown"
	}
}
