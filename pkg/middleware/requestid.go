package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey is the private key type for request-scoped values.
type contextKey string

const RequestIDKey = contextKey("request-id")

// RequestID generates or propagates request IDs for distributed tracing.
// It checks for an existing X-Request-ID header and generates a new UUID if
// not present. The request ID is echoed on the response header and stored in
// the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID stores a request ID on the context. Used by the message
// fabric to carry correlation IDs into handler contexts.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}
