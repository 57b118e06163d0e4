// Package middleware holds the HTTP middleware the router applies to every
// request: request-ID stamping, structured request logging, and panic
// recovery.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nullstream/genai-key-proxy/pkg/logger"
)

// RequestIDHeader is the header a caller may set to propagate its own
// request id; one is generated when absent.
const RequestIDHeader = "X-Request-ID"

// RequestID stamps a request id into both the context (via pkg/logger) and
// the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
