// Package server provides the admin HTTP API for the fetch cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/store"
	"github.com/wolfeidau/fetch-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables bearer authentication when set.
	// /health and /metrics are always open.
	AuthToken string

	// BackgroundCleanup starts the store's reclaimer with the server and
	// stops it on shutdown.
	BackgroundCleanup bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the admin HTTP server for a cache store.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	store      store.Store
	handler    http.Handler
}

// New creates a new server over st.
func New(st store.Store, cfg Config) (*Server, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		store:  st,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /resources", s.handleListResources)
	mux.HandleFunc("GET /resources/content", s.handleReadResource)
	mux.HandleFunc("DELETE /resources", s.handleDeleteResource)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "health")
	telemetry.SetCacheResult(r, telemetry.CacheNA)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	ItemCount      int               `json:"item_count"`
	TotalSizeBytes int64             `json:"total_size_bytes"`
	TotalSize      string            `json:"total_size"`
	MaxItems       int               `json:"max_items"`
	MaxSizeBytes   int64             `json:"max_size_bytes"`
	MaxSize        string            `json:"max_size"`
	DefaultTTL     string            `json:"default_ttl"`
	Resources      []summaryResponse `json:"resources"`
}

type summaryResponse struct {
	URI            string    `json:"uri"`
	URL            string    `json:"url"`
	SizeBytes      int64     `json:"size_bytes"`
	Timestamp      time.Time `json:"timestamp"`
	LastAccessTime time.Time `json:"last_access_time"`
	TTL            string    `json:"ttl"`
	ResourceType   string    `json:"resource_type"`
}

func newStatsResponse(stats *fetchcache.Stats) statsResponse {
	resp := statsResponse{
		ItemCount:      stats.ItemCount,
		TotalSizeBytes: stats.TotalSizeBytes,
		TotalSize:      humanize.IBytes(uint64(stats.TotalSizeBytes)),
		MaxItems:       stats.MaxItems,
		MaxSizeBytes:   stats.MaxSizeBytes,
		MaxSize:        humanize.IBytes(uint64(stats.MaxSizeBytes)),
		DefaultTTL:     stats.DefaultTTL.String(),
		Resources:      make([]summaryResponse, 0, len(stats.Resources)),
	}
	for _, r := range stats.Resources {
		resp.Resources = append(resp.Resources, summaryResponse{
			URI:            r.URI,
			URL:            r.URL,
			SizeBytes:      r.SizeBytes,
			Timestamp:      r.Timestamp,
			LastAccessTime: r.LastAccessTime,
			TTL:            r.TTL.String(),
			ResourceType:   string(r.ResourceType),
		})
	}
	return resp
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "stats")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatsResponse(stats))
}

type resourceResponse struct {
	URI      string              `json:"uri"`
	Name     string              `json:"name"`
	MimeType string              `json:"mime_type,omitempty"`
	Size     int                 `json:"size"`
	Metadata fetchcache.Metadata `json:"metadata"`
}

func newResourceResponses(resources []*fetchcache.Resource) []resourceResponse {
	out := make([]resourceResponse, 0, len(resources))
	for _, r := range resources {
		out = append(out, resourceResponse{
			URI:      r.URI,
			Name:     r.Name,
			MimeType: r.MimeType,
			Size:     len(r.Text),
			Metadata: r.Metadata,
		})
	}
	return out
}

// handleListResources lists every resource, or the resources for ?url=,
// optionally narrowed by ?prompt=.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	url := query.Get("url")

	var (
		resources []*fetchcache.Resource
		err       error
	)
	switch {
	case url == "":
		telemetry.SetRoute(r, "list")
		telemetry.SetCacheResult(r, telemetry.CacheNA)
		resources, err = s.store.List(r.Context())
	case query.Has("prompt"):
		telemetry.SetRoute(r, "find")
		resources, err = s.store.FindByURLAndExtract(r.Context(), url, query.Get("prompt"))
	default:
		telemetry.SetRoute(r, "find")
		resources, err = s.store.FindByURL(r.Context(), url)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if url != "" {
		if len(resources) > 0 {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
		} else {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"resources": newResourceResponses(resources)})
}

// handleReadResource returns the body of ?uri= with its metadata in headers.
func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "content")

	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "uri is required"})
		return
	}

	res, err := s.store.Read(r.Context(), uri)
	if err != nil {
		if errors.Is(err, fetchcache.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
		}
		s.writeError(w, r, err)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	contentType := res.MimeType
	if contentType == "" {
		contentType = "text/markdown; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Resource-Type", string(res.Metadata.ResourceType))
	w.Header().Set("X-Source-URL", res.Metadata.URL)
	w.Header().Set("Last-Modified", res.Metadata.Timestamp.UTC().Format(http.TimeFormat))
	_, _ = w.Write([]byte(res.Text))
}

func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "delete")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "uri is required"})
		return
	}
	if err := s.store.Delete(r.Context(), uri); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cleanupResponse struct {
	TTLExpired int    `json:"ttl_expired"`
	LRUEvicted int    `json:"lru_evicted"`
	BytesFreed int64  `json:"bytes_freed"`
	Errors     int    `json:"errors"`
	Duration   string `json:"duration"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "cleanup")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	result, err := s.store.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{
		TTLExpired: result.TTLExpired,
		LRUEvicted: result.LRUEvicted,
		BytesFreed: result.BytesFreed,
		Errors:     result.Errors,
		Duration:   result.Duration.String(),
	})
}

// writeError maps store errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fetchcache.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, fetchcache.ErrInvalidHandle):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("store operation failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", telemetry.RequestIDFromContext(r.Context()),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
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

		// Inject request tags so handlers can set route and cache_result.
		r = telemetry.InjectTags(r, requestID)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and, when configured, background cleanup.
func (s *Server) Start() error {
	if s.config.BackgroundCleanup {
		s.logger.Info("starting background cleanup")
		s.store.StartCleanup(context.Background())
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.config.BackgroundCleanup {
		s.store.StopCleanup()
	}

	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
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
