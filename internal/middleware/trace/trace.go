package trace

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chitieu/internal/log"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

type ContextKey string

const RequestIDKey ContextKey = "request_id"

// Incoming ids are reused only when they are short and printable.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Middleware assigns a request id and logs the start and end of every request.
type Middleware struct {
	extractIP func(*http.Request) string
	logger    *log.Logger

	total     atomic.Int64
	avgMicros atomic.Int64
}

// Metrics is a snapshot of the request counters.
type Metrics struct {
	TotalRequests int64
	// AverageResponseTime is a running mean in microseconds.
	AverageResponseTime int64
}

func NewMiddleware(extractIP func(*http.Request) string, logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.Wrap(nil, log.ComponentTrace)
	}
	return &Middleware{
		extractIP: extractIP,
		logger:    logger,
	}
}

func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP := ""
		if m.extractIP != nil {
			clientIP = m.extractIP(r)
		}

		requestID := r.Header.Get(HeaderRequestID)
		if !validRequestID.MatchString(requestID) {
			requestID = GenerateRequestID()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		r = r.WithContext(ctx)

		sl := log.NewStructuredLogger(m.logger.With(log.FieldRequestID, requestID))
		sl.LogHTTPStart(ctx, r, clientIP)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		m.record(duration)
		sl.LogHTTPEnd(ctx, r, rw.statusCode, duration.Milliseconds(), clientIP)
	})
}

func (m *Middleware) record(d time.Duration) {
	n := m.total.Add(1)
	us := d.Microseconds()
	for {
		old := m.avgMicros.Load()
		if m.avgMicros.CompareAndSwap(old, old+(us-old)/n) {
			return
		}
	}
}

// responseWriter remembers the first status code written.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// GenerateRequestID returns "req_" followed by a time-ordered UUIDv7 in
// hex, so ids sort by arrival in the logs.
func GenerateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "req_" + strings.ReplaceAll(id.String(), "-", "")
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// RequestIDFromRequest adapts GetRequestID for log.RequestIDMiddleware.
func RequestIDFromRequest(r *http.Request) string {
	return GetRequestID(r.Context())
}

func (m *Middleware) GetMetrics() Metrics {
	return Metrics{
		TotalRequests:       m.total.Load(),
		AverageResponseTime: m.avgMicros.Load(),
	}
}
