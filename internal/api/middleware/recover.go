package middleware

import (
	"log/slog"
	"net/http"

	"github.com/nullstream/genai-key-proxy/internal/apierr"
	"github.com/nullstream/genai-key-proxy/pkg/logger"
)

// Recover turns a panic in any downstream handler into a 500 Internal error
// envelope instead of crashing the server.
func Recover(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID := logger.RequestIDFromContext(r.Context())
					logger.FromContext(r.Context(), base).Error("panic_recovered", "panic", rec)
					apierr.Write(w, apierr.New(apierr.KindInternal, "an internal error occurred").WithRequestID(requestID), r.URL.Path)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
