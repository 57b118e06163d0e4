package breaker

import (
	"log/slog"
	"sync"
)

// Registry lazily creates and holds one Breaker per target URL. Keyed by
// target URL rather than by credential, so swapping the credential set on a
// config reload never drops accumulated breaker state for a target that
// remains configured.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	logger   *slog.Logger
	metrics  Metrics
	breakers map[string]*Breaker
}

// NewRegistry builds an empty Registry using cfg for every breaker it
// lazily creates.
func NewRegistry(cfg Config, logger *slog.Logger, metrics Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the Breaker for targetURL, creating it on first use.
func (r *Registry) Get(targetURL string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[targetURL]; ok {
		return b
	}

	b, err := New(r.cfg, r.logger.With("target_url", targetURL), r.metrics)
	if err != nil {
		// cfg was validated at startup; a failure here means it was
		// constructed incorrectly in code, not a runtime condition.
		panic("breaker: registry config invalid: " + err.Error())
	}
	r.breakers[targetURL] = b
	return b
}

// Snapshot returns every currently-tracked target URL and its Stats.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for url, b := range r.breakers {
		out[url] = b.Stats()
	}
	return out
}
