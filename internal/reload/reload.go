// Package reload validates an incoming configuration, reconciles the Key
// Store's credential membership, and atomically swaps the Credential
// Manager and HTTP Client Pool that in-flight requests read. The breaker
// registry is never rebuilt here — it is keyed by target URL, not
// credential, so it survives a reload untouched.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nullstream/genai-key-proxy/internal/audit"
	"github.com/nullstream/genai-key-proxy/internal/breaker"
	"github.com/nullstream/genai-key-proxy/internal/config"
	"github.com/nullstream/genai-key-proxy/internal/credential"
	"github.com/nullstream/genai-key-proxy/internal/httpclient"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
)

// Snapshot is the bundle of config-derived collaborators a request reads
// once at the start of the retry loop, so a reload mid-request never
// mixes old and new collaborators within a single request.
type Snapshot struct {
	Config  *config.Config
	Manager *credential.Manager
	Clients *httpclient.Pool
}

// Reloader owns the current Snapshot and performs the §4.H reload
// procedure. The Breaker Registry is supplied once at construction and
// never swapped.
type Reloader struct {
	store    keystore.Store
	breakers *breaker.Registry
	logger   *slog.Logger
	metrics  credential.Metrics
	audit    audit.Writer
	current  atomic.Pointer[Snapshot]
}

// SetMetrics attaches a Metrics recorder that every Manager built by a
// subsequent Reload (and the current one, if already loaded) will use.
func (r *Reloader) SetMetrics(metrics credential.Metrics) {
	r.metrics = metrics
	if snap := r.current.Load(); snap != nil {
		snap.Manager.SetMetrics(metrics)
	}
}

// SetAudit attaches the persistent audit trail writer that every Manager
// built by a subsequent Reload (and the current one, if already loaded)
// will use.
func (r *Reloader) SetAudit(w audit.Writer) {
	r.audit = w
	if snap := r.current.Load(); snap != nil {
		snap.Manager.SetAudit(w)
	}
}

// New builds a Reloader and performs the initial load from cfg, the same
// path a later Reload(cfg) takes.
func New(ctx context.Context, cfg *config.Config, store keystore.Store, breakers *breaker.Registry, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{store: store, breakers: breakers, logger: logger}
	if err := r.Reload(ctx, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the active Snapshot. Safe for concurrent use by any
// number of request tasks; never blocks on a concurrent Reload.
func (r *Reloader) Current() *Snapshot {
	return r.current.Load()
}

// Reload runs the §4.H procedure against new_config: validate, reconcile
// Store membership, rebuild the Manager and Pool, then publish the new
// Snapshot with a single atomic store. Reload(C) applied twice in a row is
// idempotent — ReconcileKeys is a no-op the second time (membership
// unchanged), and rebuilding the Manager/Pool from the same cfg produces
// behaviorally equivalent collaborators.
func (r *Reloader) Reload(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload: invalid config: %w", err)
	}

	groupCredentials := make(map[string][]string, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groupCredentials[g.Name] = g.APIKeys
	}

	if err := r.store.ReconcileKeys(ctx, groupCredentials); err != nil {
		return fmt.Errorf("reload: reconcile store: %w", err)
	}

	routings := make([]credential.GroupRouting, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		routings = append(routings, credential.GroupRouting{
			Name:         g.Name,
			Credentials:  g.APIKeys,
			TargetURL:    g.TargetURL,
			ProxyURL:     g.ProxyURL,
			ModelAliases: g.ModelAliases,
		})
	}

	manager, err := credential.New(
		r.store,
		routings,
		cfg.MaxFailuresThreshold,
		time.Duration(cfg.TemporaryBlockMinutes)*time.Minute,
		r.logger,
	)
	if err != nil {
		return fmt.Errorf("reload: build credential manager: %w", err)
	}
	if r.metrics != nil {
		manager.SetMetrics(r.metrics)
	}
	if r.audit != nil {
		manager.SetAudit(r.audit)
	}

	clients := httpclient.New(cfg.Server.ConnectTimeout(), cfg.Server.RequestTimeout(), r.logger)

	r.current.Store(&Snapshot{Config: cfg, Manager: manager, Clients: clients})

	r.logger.Info("config_reloaded",
		"event", "config_reloaded",
		"groups", len(cfg.Groups),
		"total_credentials", len(cfg.AllCredentials()),
	)
	return nil
}
