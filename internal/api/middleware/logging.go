package middleware

import (
	"log/slog"
	"net/http"

	"github.com/nullstream/genai-key-proxy/pkg/logger"
)

// Logging logs method/path/status/duration/request_id for every request,
// delegating to pkg/logger.HTTPMiddleware so the request-path log line
// matches the shape every other component in this process uses.
func Logging(base *slog.Logger) func(http.Handler) http.Handler {
	return logger.HTTPMiddleware(base)
}
