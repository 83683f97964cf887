// Package httpapi implements the HTTP API gateway for branchdiff.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request bodies capped at MaxRequestSize (default 1 MB), 413 beyond it
//   - Admission control (rate limit, run slots) delegated to the service
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/branchdiff/internal/gateway/auth"
	"github.com/jkaninda/branchdiff/internal/observability"
	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/service"
	"github.com/jkaninda/okapi"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	anonymousUser         = auth.Anonymous
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID. Empty disables authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	// WriteTimeout must outlast the pipeline's overall timeout.
	WriteTimeout time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// DiffService is the pipeline endpoint the gateway fronts.
type DiffService interface {
	Diff(ctx context.Context, req service.DiffRequest) (*pipeline.DiffResult, error)
	Active() []service.TrackedDiff
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	service  DiffService
	logger   *slog.Logger
	server   *http.Server
	maxBody  int64
	register sync.Once

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc DiffService, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		logger:  logger,
		maxBody: size,
		okapi:   okapi.New(),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "branchdiff",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Handler returns the gateway's routes as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	g.routes()
	return g.okapi
}

// routes registers middlewares and every route once. Middlewares must be
// in place before the first route since okapi binds them at registration.
func (g *Gateway) routes() {
	g.register.Do(func() {
		g.okapi.UseMiddleware(g.limitBody)
		if g.config.Metrics != nil || g.config.Tracer != nil {
			g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
				return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
			})
		}

		g.group = g.okapi.Group("/v1", g.authenticate)

		g.group.Post("/diffs", g.handleDiff,
			okapi.DocSummary("Build two refs and compare their rendered previews"),
			okapi.DocTags("Diffs"),
			okapi.DocRequestBody(service.DiffRequest{}),
			okapi.DocResponse(pipeline.DiffResult{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
			okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		)
		g.group.Post("/diffs/stream", g.handleDiffStream,
			okapi.DocSummary("Run a diff and stream job state changes via SSE"),
			okapi.DocTags("Diffs"),
			okapi.DocRequestBody(service.DiffRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		)
		g.group.Get("/diffs", g.handleActive,
			okapi.DocSummary("List diffs currently running"),
			okapi.DocTags("Diffs"),
			okapi.DocResponse([]service.TrackedDiff{}),
		)

		for _, er := range g.extraRoutes {
			g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
		}

		// Observability endpoints (unauthenticated).
		g.okapi.Get("/healthz", g.handleLiveness)
		g.okapi.Get("/readyz", g.handleReadiness)

		if g.config.MetricsRegistry != nil {
			path := g.config.MetricsPath
			if path == "" {
				path = "/metrics"
			}
			g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
		}
		if g.config.EnableDocs {
			g.WithOpenAPIDocs()
		}
	})
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	writeTimeout := g.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Minute
	}
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

func (g *Gateway) handleDiff(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req service.DiffRequest
	if err := c.BindJSON(&req); err != nil {
		return g.abortBody(c, err)
	}
	req.User = userID

	res, err := g.service.Diff(c.Context(), req)
	if err != nil {
		return g.abort(c, err)
	}
	return c.OK(res)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleActive(c *okapi.Context) error {
	return c.OK(g.service.Active())
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, err := lookupUser(g.config.APIKeys, c.Header("Authorization"))
		if err != nil {
			return c.AbortUnauthorized(err.Error())
		}
		c.Set("userID", userID)
		return next(c)
	}
}

var (
	errMissingAuth = errors.New("missing or invalid Authorization header")
	errInvalidKey  = errors.New("invalid API key")
)

// lookupUser resolves a Bearer header to a user ID. With no keys
// configured every caller is anonymous.
func lookupUser(keys map[string]string, authHeader string) (string, error) {
	if len(keys) == 0 {
		return anonymousUser, nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errMissingAuth
	}
	userID, ok := auth.Lookup(keys, strings.TrimPrefix(authHeader, "Bearer "))
	if !ok {
		return "", errInvalidKey
	}
	return userID, nil
}

// --- Helpers ---

// limitBody caps every request body at the configured size.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, g.maxBody)
		next.ServeHTTP(w, r)
	})
}

// abortBody answers a request whose JSON body could not be decoded.
func (g *Gateway) abortBody(c *okapi.Context, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return c.AbortWithError(http.StatusRequestEntityTooLarge,
			fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return c.AbortBadRequest("invalid request body", err)
}

// abort maps service errors to HTTP responses.
func (g *Gateway) abort(c *okapi.Context, err error) error {
	code, msg := statusFor(err)
	switch code {
	case http.StatusBadRequest:
		return c.AbortBadRequest(msg)
	case http.StatusTooManyRequests:
		return c.AbortTooManyRequests(msg)
	case http.StatusServiceUnavailable:
		return c.AbortServiceUnavailable(msg)
	default:
		g.logger.Error("diff request failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError(msg)
	}
}

func statusFor(err error) (int, string) {
	switch service.ErrorCode(err) {
	case "bad_request":
		return http.StatusBadRequest, err.Error()
	case "rate_limited":
		return http.StatusTooManyRequests, "rate limit exceeded"
	case "busy":
		return http.StatusServiceUnavailable, "too many diff runs in progress"
	default:
		return http.StatusInternalServerError, "diff failed"
	}
}
