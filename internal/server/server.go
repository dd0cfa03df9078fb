// Package server exposes sandbox adapters over an HTTP API.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-client token bucket rate limiting
//   - Request body size limits (default 32 MB)
//   - File contents travel base64-encoded inside JSON
//   - TLS expected via reverse proxy (not handled here)
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/polybox/internal/observability"
	"github.com/jkaninda/polybox/internal/ratelimit"
)

// Config configures the HTTP API.
type Config struct {
	ListenAddr     string   // e.g., ":8080"
	APIKeys        []string // Accepted bearer keys. Empty = authentication disabled.
	MaxRequestSize int64    // Maximum request body in bytes.
	EnableDocs     bool
	RateLimit      ratelimit.Config
}

// Server is the HTTP API server.
type Server struct {
	config   Config
	registry *Registry
	obs      *observability.Observability
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	okapi  *okapi.Okapi
	group  *okapi.Group
	server *http.Server
}

// New creates a Server over registry. obs may be nil.
func New(cfg Config, registry *Registry, obs *observability.Observability, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = 32 << 20
	}
	s := &Server{
		config:   cfg,
		registry: registry,
		obs:      obs,
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	metrics := s.obs.MetricsOrNil()
	var tracer trace.Tracer
	if ts := s.obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	if metrics != nil || tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(metrics, tracer, next)
		})
	}
	s.okapi.UseMiddleware(s.limitBody)

	// Authenticated /v1 group.
	s.group = s.okapi.Group("/v1", s.authenticate)
	s.sandboxRoutes()
	s.fileRoutes()
	s.streamRoutes()

	// Observability endpoints (unauthenticated).
	health := observability.NewHealthChecker(s.logger)
	if s.obs != nil && s.obs.Health != nil {
		health = s.obs.Health
	}
	s.okapi.HandleStd("GET", "/healthz", health.LivenessHandler().ServeHTTP)
	s.okapi.HandleStd("GET", "/readyz", health.ReadinessHandler().ServeHTTP)
	if metrics != nil {
		s.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "polybox",
			Version: "v1",
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Commands may run for minutes; per-command timeouts bound them.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	s.logger.Info("http api starting",
		slog.String("addr", s.config.ListenAddr),
		slog.Bool("auth", len(s.config.APIKeys) > 0),
		slog.Bool("rate_limit", s.limiter.Enabled()),
	)
	if s.limiter.Enabled() {
		go s.pruneClients(ctx)
	}
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Authentication ---

// authenticate validates the bearer API key and applies the rate limit of
// the caller: its key, or its remote host when authentication is off.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		switch code, msg := s.admit(c.Request(), c.Header("Authorization")); code {
		case http.StatusUnauthorized:
			return c.AbortUnauthorized(msg)
		case http.StatusTooManyRequests:
			return c.AbortTooManyRequests(msg)
		}
		return next(c)
	}
}

// admit checks the bearer value and the rate limit for r. It returns the
// status and message to reject with, or zero when r may proceed.
func (s *Server) admit(r *http.Request, authorization string) (int, string) {
	client := remoteHost(r)
	if len(s.config.APIKeys) > 0 {
		key, ok := strings.CutPrefix(authorization, "Bearer ")
		if !ok {
			return http.StatusUnauthorized, "missing or invalid Authorization header"
		}
		if !validKey(s.config.APIKeys, key) {
			return http.StatusUnauthorized, "invalid API key"
		}
		client = "key:" + key
	}
	if err := s.limiter.Allow(client); err != nil {
		if m := s.obs.MetricsOrNil(); m != nil {
			m.RateLimitedTotal.Inc()
		}
		return http.StatusTooManyRequests, "rate limit exceeded"
	}
	return 0, ""
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// pruneClients drops idle rate limit buckets until ctx ends.
func (s *Server) pruneClients(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(5 * time.Minute); n > 0 {
				s.logger.Debug("rate limit buckets pruned", slog.Int("count", n))
			}
		}
	}
}

// validKey compares key against every configured key in constant time.
func validKey(keys []string, key string) bool {
	if key == "" {
		return false
	}
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
	}
	return match == 1
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}
