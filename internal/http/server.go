package http

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chitieu/internal/cache"
	"chitieu/internal/log"
	"chitieu/internal/metrics"
	"chitieu/internal/middleware/ratelimit"
	"chitieu/internal/middleware/security"
	"chitieu/internal/middleware/trace"
	"chitieu/internal/services"
	appweb "chitieu/web"
)

// Options configures the optional parts of the server.
type Options struct {
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
	RateLimitPerMinute int
	TrustedProxies     []string
	// CacheManager, when set, is stopped on Shutdown.
	CacheManager *cache.Manager
}

type Server struct {
	http.Server
	mux       *http.ServeMux
	svc       *services.ExpenseService
	templates *template.Template
	metrics   *metrics.Metrics
	logger    *log.Logger

	detector     *security.Detector
	limiter      *ratelimit.Limiter
	tracer       *trace.Middleware
	cacheManager *cache.Manager

	started      time.Time
	shutdownOnce sync.Once
}

// NewServer configures routes, middleware and templates, returning a
// ready-to-run http.Server.
func NewServer(addr string, svc *services.ExpenseService, opts Options) (*Server, error) {
	logger := log.Wrap(opts.Logger, log.ComponentHTTP)

	detector, err := security.NewDetector(opts.TrustedProxies...)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	limiterCfg := ratelimit.DefaultConfig()
	if opts.RateLimitPerMinute > 0 {
		limiterCfg.RequestsPerMinute = opts.RateLimitPerMinute
	}

	mux := http.NewServeMux()
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    64 << 10,
		},
		mux:          mux,
		svc:          svc,
		metrics:      opts.Metrics,
		logger:       logger,
		detector:     detector,
		limiter:      ratelimit.NewLimiter(limiterCfg),
		tracer:       trace.NewMiddleware(detector.ExtractClientIP, log.Wrap(opts.Logger, log.ComponentTrace)),
		cacheManager: opts.CacheManager,
		started:      time.Now(),
	}

	s.exportMiddlewareMetrics()

	// Parse embedded templates at startup.
	t, err := template.New("").Funcs(templateFuncs).ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		s.limiter.Stop()
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	s.templates = t

	// Static assets (served from embedded FS)
	sub, err := fs.Sub(appweb.StaticFS, "static")
	if err != nil {
		s.limiter.Stop()
		return nil, fmt.Errorf("mount static assets: %w", err)
	}
	static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
	s.handle("GET /static/", security.StaticAssetMiddleware(3600)(static).ServeHTTP)

	s.handle("GET /{$}", s.handleIndex)
	s.handle("GET /expenses", s.handleExpensesPage)
	s.handle("GET /healthz", s.handleHealth)
	s.handle("GET /readyz", s.handleReady)
	s.handle("GET /metrics", s.metrics.Handler().ServeHTTP)

	s.handle("GET /api/expenses", s.handleListExpenses)
	s.handle("POST /api/expenses", s.handleCreateExpense)
	s.handle("GET /api/expenses/{id}", s.handleGetExpense)
	s.handle("GET /api/stats", s.handleStats)
	s.handle("GET /api/summary", s.handleSummary)
	s.handle("GET /api/settlements", s.handleSettlements)
	s.handle("GET /api/dashboard", s.handleDashboard)
	s.handle("GET /api/members", s.handleMembers)
	s.handle("POST /api/cache/clear", s.handleClearCache)

	s.Handler = s.middleware(mux)
	return s, nil
}

// middleware wraps h with the request pipeline, outermost first: tracing,
// request logger, security headers, suspicious request detection and the
// POST rate limit.
func (s *Server) middleware(h http.Handler) http.Handler {
	onLimit := func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
			log.FieldClientIP, s.detector.ExtractClientIP(r),
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path)
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	}

	h = s.limiter.Middleware(s.detector.ExtractClientIP, onLimit, http.MethodPost)(h)
	h = s.detector.Middleware(s.logger.Logger)(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = log.RequestIDMiddleware(trace.RequestIDFromRequest)(h)
	h = log.Middleware(s.logger)(h)
	return s.tracer.Middleware(h)
}

// exportMiddlewareMetrics publishes the middleware counters on /metrics.
func (s *Server) exportMiddlewareMetrics() {
	s.metrics.CounterFunc("rate_limited_requests_total", "Requests rejected by the per-client rate limit.",
		func() float64 { return float64(s.limiter.GetMetrics().TotalHits) })
	s.metrics.GaugeFunc("rate_limit_clients", "Clients tracked by the rate limiter.",
		func() float64 { return float64(s.limiter.GetMetrics().ClientCount) })
	s.metrics.CounterFunc("suspicious_requests_total", "Requests flagged by the scan detector.",
		func() float64 { return float64(s.detector.GetMetrics().SuspiciousRequests) })
	s.metrics.CounterFunc("invalid_client_ip_total", "Forwarded client addresses that failed to parse.",
		func() float64 { return float64(s.detector.GetMetrics().InvalidIPAttempts) })
	s.metrics.GaugeFunc("response_time_avg_microseconds", "Moving average of request latency.",
		func() float64 { return float64(s.tracer.GetMetrics().AverageResponseTime) })
}

// handle registers h under pattern and records request metrics labelled
// with the pattern's path.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}
	var next http.Handler = h
	if strings.HasPrefix(route, "/api/expenses") {
		next = log.ComponentMiddleware(log.ComponentExpense)(next)
	}
	s.mux.Handle(pattern, s.instrument(route, next))
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Shutdown stops background goroutines and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		if s.cacheManager != nil {
			s.cacheManager.Stop()
		}
	})
	return s.Server.Shutdown(ctx)
}
