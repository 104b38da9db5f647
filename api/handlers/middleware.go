package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/pipeline/internal/ctxkeys"
)

// Metrics is the middleware's view of the metrics collector.
type Metrics interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

// WithRequestID assigns each request an ID, echoing a caller-provided
// X-Request-ID when present.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := ctxkeys.WithRequestID(r.Context(), requestID)
		if tenantID := r.Header.Get("X-Tenant-ID"); tenantID != "" {
			ctx = ctxkeys.WithTenantID(ctx, tenantID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithLogging logs one line per request with status and duration.
func WithLogging(logger *zap.Logger, next http.Handler) http.Handler {
	accessLogger := logger.With(zap.String("component", "http_access"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.StatusCode),
			zap.Duration("duration", time.Since(start)),
		}
		if requestID, ok := ctxkeys.RequestID(r.Context()); ok {
			fields = append(fields, zap.String("request_id", requestID))
		}
		accessLogger.Info("request", fields...)
	})
}

// WithMetrics records request counters and latency. The route pattern
// is used as the path label to keep cardinality bounded.
func WithMetrics(collector Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		path := r.Pattern
		if _, after, found := strings.Cut(path, " "); found {
			path = after
		}
		if path == "" {
			path = r.URL.Path
		}
		collector.RecordHTTPRequest(r.Method, path, rw.StatusCode, time.Since(start))
	})
}
