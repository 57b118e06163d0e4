// Package admin implements the admin endpoints: thin HTTP handlers that
// call into the Credential Manager, Config Hot-Reload, and Key Health
// Monitor. There is no CSRF/session handling, no dashboard, and no
// rate-limiting on this surface — it is gated only by a single shared
// bearer token (server.admin_token).
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nullstream/genai-key-proxy/internal/classifier"
	"github.com/nullstream/genai-key-proxy/internal/config"
	"github.com/nullstream/genai-key-proxy/internal/credential"
	"github.com/nullstream/genai-key-proxy/internal/healthmonitor"
	"github.com/nullstream/genai-key-proxy/internal/httpclient"
	"github.com/nullstream/genai-key-proxy/internal/reload"
)

// Reloader is the subset of *reload.Reloader the admin surface needs.
type Reloader interface {
	Current() *reload.Snapshot
	Reload(ctx context.Context, cfg *config.Config) error
}

// Handlers bundles every admin collaborator endpoint. It reads the live
// Credential Manager through reloader.Current() on every call, so it always
// observes the most recently reloaded snapshot.
type Handlers struct {
	adminToken string
	reloader   Reloader
	monitor    *healthmonitor.Monitor
	clients    *httpclient.Pool
	validate   *validator.Validate
	logger     *slog.Logger
}

// New builds Handlers. adminToken gates every route via Authorization:
// Bearer <token>.
func New(adminToken string, reloader Reloader, monitor *healthmonitor.Monitor, clients *httpclient.Pool, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		adminToken: adminToken,
		reloader:   reloader,
		monitor:    monitor,
		clients:    clients,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Mount registers every admin route under router (expected to already be a
// "/admin" subrouter) behind the bearer-token gate.
func (h *Handlers) Mount(router *mux.Router) {
	router.Use(h.requireAdminToken)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/keys", h.handleListKeys).Methods(http.MethodGet)
	router.HandleFunc("/keys", h.handleAddKeys).Methods(http.MethodPost)
	router.HandleFunc("/keys", h.handleRemoveKeys).Methods(http.MethodDelete)
	router.HandleFunc("/keys/{id}/verify", h.handleVerifyKey).Methods(http.MethodPost)
	router.HandleFunc("/keys/{id}/reset", h.handleResetKey).Methods(http.MethodPost)
	router.HandleFunc("/config", h.handleGetConfig).Methods(http.MethodGet)
	router.HandleFunc("/config", h.handlePutConfig).Methods(http.MethodPut)
}

func (h *Handlers) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			http.Error(w, "admin surface disabled: server.admin_token not configured", http.StatusServiceUnavailable)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthSummary is GET /admin/health's response shape: counts by state plus
// per-group rollups.
type healthSummary struct {
	Available int                    `json:"available"`
	Limited   int                    `json:"limited"`
	Invalid   int                    `json:"invalid"`
	Groups    map[string]groupRollup `json:"groups"`
}

type groupRollup struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.reloader.Current()
	states, err := snap.Manager.GetAllStates(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	summary := healthSummary{Groups: make(map[string]groupRollup)}
	now := time.Now()
	for _, s := range states {
		rollup := summary.Groups[s.Group]
		rollup.Total++

		switch {
		case s.IsAvailable(now):
			summary.Available++
			rollup.Available++
		case s.Blocked:
			summary.Invalid++
		default:
			summary.Limited++
		}
		summary.Groups[s.Group] = rollup
	}

	writeJSON(w, http.StatusOK, summary)
}

type keyView struct {
	Preview             string   `json:"preview"`
	Group               string   `json:"group"`
	Blocked             bool     `json:"blocked"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	HealthScore         *float64 `json:"health_score,omitempty"`
}

func (h *Handlers) handleListKeys(w http.ResponseWriter, r *http.Request) {
	snap := h.reloader.Current()
	states, err := snap.Manager.GetAllStates(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	var scores map[string]healthmonitor.Score
	if h.monitor != nil {
		scores = h.monitor.Scores()
	}

	views := make([]keyView, 0, len(states))
	for _, s := range states {
		view := keyView{
			Preview:             credential.Preview(s.Credential),
			Group:               s.Group,
			Blocked:             s.Blocked,
			ConsecutiveFailures: s.ConsecutiveFailures,
		}
		if score, ok := scores[s.Credential]; ok {
			hs := score.HealthScore
			view.HealthScore = &hs
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, views)
}

// mutateKeysRequest is the payload for POST/DELETE /admin/keys.
type mutateKeysRequest struct {
	Group string   `json:"group" validate:"required"`
	Keys  []string `json:"keys" validate:"required,min=1,dive,required"`
}

func (h *Handlers) handleAddKeys(w http.ResponseWriter, r *http.Request) {
	h.mutateKeys(w, r, func(cfg *config.Config, req mutateKeysRequest) {
		for i := range cfg.Groups {
			if cfg.Groups[i].Name == req.Group {
				cfg.Groups[i].APIKeys = append(cfg.Groups[i].APIKeys, req.Keys...)
				return
			}
		}
		cfg.Groups = append(cfg.Groups, config.GroupConfig{Name: req.Group, APIKeys: req.Keys})
	})
}

func (h *Handlers) handleRemoveKeys(w http.ResponseWriter, r *http.Request) {
	h.mutateKeys(w, r, func(cfg *config.Config, req mutateKeysRequest) {
		remove := make(map[string]bool, len(req.Keys))
		for _, k := range req.Keys {
			remove[k] = true
		}
		for i := range cfg.Groups {
			if cfg.Groups[i].Name != req.Group {
				continue
			}
			kept := make([]string, 0, len(cfg.Groups[i].APIKeys))
			for _, k := range cfg.Groups[i].APIKeys {
				if !remove[k] {
					kept = append(kept, k)
				}
			}
			cfg.Groups[i].APIKeys = kept
		}
	})
}

func (h *Handlers) mutateKeys(w http.ResponseWriter, r *http.Request, apply func(*config.Config, mutateKeysRequest)) {
	var req mutateKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	snap := h.reloader.Current()
	updated := *snap.Config
	updated.Groups = append([]config.GroupConfig(nil), snap.Config.Groups...)
	apply(&updated, req)

	if err := h.reloader.Reload(r.Context(), &updated); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// verifyResponse is POST /admin/keys/:id/verify's response. id is the
// credential's preview, since raw credentials never appear in a URL.
type verifyResponse struct {
	JobID  string `json:"job_id"`
	Status int    `json:"status"`
	Action string `json:"action"`
}

func (h *Handlers) handleVerifyKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap := h.reloader.Current()

	var target credential.KeyInfo
	found := false
	for _, k := range snap.Manager.GetAllKeys() {
		if credential.Preview(k.Credential) == id {
			target = k
			found = true
			break
		}
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown credential"})
		return
	}

	client, err := h.clients.Client(target.ProxyURL)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	jobID := uuid.New().String()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.TargetURL+"/v1beta/models?key="+target.Credential, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		writeJSON(w, http.StatusOK, verifyResponse{JobID: jobID, Status: 0, Action: "transport_error"})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, verifyResponse{JobID: jobID, Status: resp.StatusCode, Action: "transport_error"})
		return
	}

	// Same Classify call live traffic uses, with the same inputs (status,
	// headers, and body), so a probe's verdict always agrees with what the
	// retry loop would have decided for this response.
	action := classifier.Classify(classifier.Response{Status: resp.StatusCode, Header: resp.Header, Body: body})

	writeJSON(w, http.StatusOK, verifyResponse{JobID: jobID, Status: resp.StatusCode, Action: actionName(action.Kind)})
}

func actionName(kind classifier.ActionKind) string {
	switch kind {
	case classifier.Success:
		return "success"
	case classifier.RetryNextKey:
		return "retry_next_key"
	case classifier.BlockKeyAndRetry:
		return "block_key_and_retry"
	case classifier.WaitFor:
		return "wait_for"
	default:
		return "terminal"
	}
}

func (h *Handlers) handleResetKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap := h.reloader.Current()

	for _, k := range snap.Manager.GetAllKeys() {
		if credential.Preview(k.Credential) == id {
			if err := snap.Manager.Reset(r.Context(), k.Credential); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown credential"})
}

func (h *Handlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	snap := h.reloader.Current()
	redacted := *snap.Config
	redacted.Groups = append([]config.GroupConfig(nil), snap.Config.Groups...)
	for i := range redacted.Groups {
		previews := make([]string, len(redacted.Groups[i].APIKeys))
		for j, k := range redacted.Groups[i].APIKeys {
			previews[j] = credential.Preview(k)
		}
		redacted.Groups[i].APIKeys = previews
	}
	redacted.Server.AdminToken = ""
	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handlers) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid config body"})
		return
	}

	if err := h.reloader.Reload(r.Context(), &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
