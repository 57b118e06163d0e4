// Package api assembles the client-facing HTTP surface: the catch-all
// proxy route and the `GET /health` liveness check, wrapped in the
// request-ID, logging, and recovery middleware.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nullstream/genai-key-proxy/internal/admin"
	"github.com/nullstream/genai-key-proxy/internal/api/middleware"
	"github.com/nullstream/genai-key-proxy/internal/breaker"
	"github.com/nullstream/genai-key-proxy/internal/config"
	"github.com/nullstream/genai-key-proxy/internal/proxy"
	"github.com/nullstream/genai-key-proxy/internal/reload"
)

// New builds the client-facing router. The proxy route reads the
// Reloader's current Snapshot on every request, so a config reload takes
// effect for the very next inbound request with no handler rebuild.
func New(reloader *reload.Reloader, breakers *breaker.Registry, adminHandlers *admin.Handlers, baseLogger *slog.Logger) *mux.Router {
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	router := mux.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.Recover(baseLogger))
	router.Use(middleware.Logging(baseLogger))

	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	if adminHandlers != nil {
		adminHandlers.Mount(router.PathPrefix("/admin").Subrouter())
	}

	router.PathPrefix("/").Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := reloader.Current()
		h := proxy.New(proxyConfig(snap.Config), snap.Manager, breakers, snap.Clients, baseLogger)
		h.ServeHTTP(w, r)
	}))

	return router
}

// proxyConfig projects the request-handling knobs the Retry Loop needs out
// of the full configuration, re-derived on every request so a reload's
// changes to these fields apply without rebuilding the router.
func proxyConfig(cfg *config.Config) proxy.Config {
	behavior := proxy.RateLimitCooldown
	if cfg.RateLimitBehavior == config.RateLimitSkip {
		behavior = proxy.RateLimitSkip
	}
	return proxy.Config{
		MaxTokensPerRequest: cfg.Server.MaxTokensPerRequest,
		MaxRequestBodyBytes: cfg.Server.MaxRequestBodyBytes,
		InternalRetries:     cfg.InternalRetries,
		TopP:                cfg.Server.TopP,
		RateLimitBehavior:   behavior,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
