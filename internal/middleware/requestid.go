package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
)

// RequestID tags every request with an identifier. Render runs enqueued from
// a request adopt it as their trace id, so one id follows a composition from
// API call to worker telemetry.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		ctx := ContextWithRequestID(r.Context(), rid)
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithRequestID stamps an id into the context. The worker uses it to
// carry a claimed run's trace id through its processing context.
func ContextWithRequestID(ctx context.Context, rid string) context.Context {
	if strings.TrimSpace(rid) == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, rid)
}
