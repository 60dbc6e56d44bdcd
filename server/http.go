// Package server provides the HTTP server for the raw content proxy.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/wolfeidau/rawproxy/cache"
	"github.com/wolfeidau/rawproxy/origin"
	"github.com/wolfeidau/rawproxy/pipeline"
	"github.com/wolfeidau/rawproxy/ratelimit"
	"github.com/wolfeidau/rawproxy/telemetry"
)

// DefaultDeflectURL is where rejected requests are redirected.
const DefaultDeflectURL = "https://github.com"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Secret is the token callers must present. Required; an empty secret
	// rejects every request.
	Secret string

	// OriginURL is the upstream raw content host.
	OriginURL string

	// OriginCredential is an optional bearer credential forwarded upstream.
	OriginCredential string

	// OriginTimeout bounds a single origin fetch.
	OriginTimeout time.Duration

	// CacheTTL is the time-to-live for cached objects.
	CacheTTL time.Duration

	// CacheMaxEntries bounds the number of cached objects.
	CacheMaxEntries int

	// SweepInterval is how often the eager expiry sweep runs.
	SweepInterval time.Duration

	// RateLimit is the admission quota per window.
	RateLimit int

	// RateWindow is the trailing admission window.
	RateWindow time.Duration

	// MaxKeyLength bounds object key length.
	MaxKeyLength int

	// DeflectURL is where rejected requests are redirected.
	DeflectURL string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the raw content proxy.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	fetcher  *origin.Fetcher
	pipeline *pipeline.Pipeline
	sweeper  *cache.Sweeper
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret is required")
	}
	if cfg.DeflectURL == "" {
		cfg.DeflectURL = DefaultDeflectURL
	}

	objectCache := cache.New(cache.Config{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
		Logger:     cfg.Logger.With("component", "cache"),
	})
	sweeper := cache.NewSweeper(objectCache, cfg.SweepInterval, cfg.Logger.With("component", "sweeper"))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit,
		Window:      cfg.RateWindow,
	})

	fetcherOpts := []origin.Option{
		origin.WithLogger(cfg.Logger.With("component", "origin")),
	}
	if cfg.OriginURL != "" {
		fetcherOpts = append(fetcherOpts, origin.WithBaseURL(cfg.OriginURL))
	}
	if cfg.OriginCredential != "" {
		fetcherOpts = append(fetcherOpts, origin.WithCredential(cfg.OriginCredential))
	}
	if cfg.OriginTimeout > 0 {
		fetcherOpts = append(fetcherOpts, origin.WithTimeout(cfg.OriginTimeout))
	}
	fetcher := origin.New(fetcherOpts...)

	p := pipeline.New(objectCache, limiter, fetcher, pipeline.Config{
		Secret:       cfg.Secret,
		MaxKeyLength: cfg.MaxKeyLength,
		Logger:       cfg.Logger.With("component", "pipeline"),
	})

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		cache:    objectCache,
		limiter:  limiter,
		fetcher:  fetcher,
		pipeline: p,
		sweeper:  sweeper,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(gzhttp.GzipHandler(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache and limiter stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Raw object fetch; the remainder of the path is the object key
	mux.HandleFunc("GET /raw/{key...}", s.handleFetch)
	mux.HandleFunc("HEAD /raw/{key...}", s.handleFetch)
}

// handleFetch runs one request through the pipeline and translates the
// outcome to the wire. Every rejection becomes the same redirect; reasons
// stay in logs and metrics only.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "fetch")

	result, rej := s.pipeline.Handle(r.Context(), callerToken(r), r.PathValue("key"))
	if rej != nil {
		s.deflect(w, r)
		return
	}

	switch result.CacheStatus {
	case pipeline.CacheStatusHit:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	case pipeline.CacheStatusMiss:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.Header().Set("X-Cache", string(result.CacheStatus))
	w.Header().Set("ETag", result.Digest.ETag())
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Payload)))

	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(result.Payload)
}

// callerToken extracts the caller's token from the Authorization header or
// the token query parameter.
func callerToken(r *http.Request) string {
	const bearerPrefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(bearerPrefix) && auth[:len(bearerPrefix)] == bearerPrefix {
		return auth[len(bearerPrefix):]
	}
	return r.URL.Query().Get("token")
}

// deflect sends the single uniform failure response. The status and target
// are identical for every rejection reason.
func (s *Server) deflect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.config.DeflectURL, http.StatusFound)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache and limiter statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		Cache   cache.Stats     `json:"cache"`
		Limiter ratelimit.Stats `json:"limiter"`
	}{
		Cache:   s.cache.Stats(),
		Limiter: s.limiter.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Error("failed to encode stats", "error", err)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result and endpoint.
		r = telemetry.InjectTags(r)
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
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and the background sweeper.
func (s *Server) Start() error {
	s.sweeper.Start(context.Background())

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.sweeper.Stop()

	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
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

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
