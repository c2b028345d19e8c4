package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ghmbegerez/converge/internal/model"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyPrincipal contextKey = "principal"
)

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// PrincipalFromContext extracts the authenticated caller, nil when the
// request came through an unauthenticated path.
func PrincipalFromContext(ctx context.Context) *Principal {
	if v, ok := ctx.Value(contextKeyPrincipal).(*Principal); ok {
		return v
	}
	return nil
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if p := PrincipalFromContext(r.Context()); p != nil {
			attrs = append(attrs, "actor", p.Actor)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

var (
	tracer    = otel.Tracer("converge/http")
	httpMeter = otel.GetMeterProvider().Meter("converge/http")
)

// tracingMiddleware creates an OTEL span per request and records
// request count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if hist, err := httpMeter.Float64Histogram("http.server.duration",
			otelmetric.WithUnit("ms")); err == nil {
			hist.Record(ctx, float64(time.Since(start).Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// authMiddleware resolves the caller from X-Api-Key and enforces the
// route's minimum role. The webhook and health endpoints never pass
// through here: webhook auth is the HMAC signature.
func (s *Server) authMiddleware(minRole Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authRequired {
			p := &Principal{Actor: "anonymous", Role: RoleAdmin}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), contextKeyPrincipal, p)))
			return
		}

		key := r.Header.Get("X-Api-Key")
		if key == "" {
			s.auditAccess(r, nil, false, "missing api key")
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing api key")
			return
		}
		principal, ok := s.keys.Lookup(key)
		if !ok {
			s.auditAccess(r, nil, false, "unknown api key")
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		}
		if roleRank(principal.Role) < roleRank(minRole) {
			s.auditAccess(r, &principal, false, "insufficient role")
			writeError(w, r, http.StatusForbidden, "forbidden", "insufficient role")
			return
		}

		s.auditAccess(r, &principal, true, "")
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), contextKeyPrincipal, &principal)))
	})
}

// auditAccess appends access.granted / access.denied. Best-effort: an
// audit write failure never blocks the request.
func (s *Server) auditAccess(r *http.Request, p *Principal, granted bool, reason string) {
	etype := model.EventAccessDenied
	payload := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"reason": reason,
	}
	tenant := ""
	if granted {
		etype = model.EventAccessGranted
		delete(payload, "reason")
	}
	if p != nil {
		payload["actor"] = p.Actor
		payload["role"] = string(p.Role)
		tenant = p.TenantID
	}
	if _, err := s.log.Append(r.Context(), model.Event{
		Type:     etype,
		TenantID: tenant,
		Payload:  payload,
	}); err != nil {
		s.logger.Warn("access audit write failed", "error", err)
	}
}

// tenantFor resolves the tenant scope of a request. A tenant-scoped
// principal always wins; admins may select any tenant via query param.
func tenantFor(r *http.Request) string {
	if p := PrincipalFromContext(r.Context()); p != nil && p.TenantID != "" {
		return p.TenantID
	}
	return r.URL.Query().Get("tenant_id")
}

type apiError struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, _ *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:     message,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

const maxQueryLimit = 1000

func queryLimit(r *http.Request, def int) int {
	limit := queryInt(r, "limit", def)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
