// Package healthmonitor periodically scores every credential's recent
// health from its KeyState. It is a pure read-side consumer: it never calls
// RecordFailure, RecordSuccess, or any other Store mutator, so the
// Credential Manager remains the only writer of key state.
package healthmonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nullstream/genai-key-proxy/internal/credential"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
)

// DefaultInterval is how often scores are recomputed when New is given a
// non-positive interval.
const DefaultInterval = 30 * time.Second

// consecutiveFailurePenaltyCap bounds how much a string of recent failures
// can drag the score down.
const consecutiveFailurePenaltyCap = 0.5

// Score is the derived health view of one credential.
type Score struct {
	CredentialPreview   string
	Group               string
	HealthScore         float64
	IsHealthy           bool
	ConsecutiveFailures int
}

// statesSource is the subset of *credential.Manager the monitor needs,
// narrowed so tests can substitute a fake without a real Store.
type statesSource interface {
	GetAllStates(ctx context.Context) ([]keystore.KeyState, error)
}

// Monitor periodically recomputes a health score per credential from the
// latest KeyState snapshot and holds the result for observer reads (the
// admin surface's GET /admin/keys, which reports each credential's score).
type Monitor struct {
	source   statesSource
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	scores map[string]Score
}

// New builds a Monitor. manager is typically *credential.Manager; interval
// defaults to DefaultInterval when zero.
func New(manager *credential.Manager, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{source: manager, interval: interval, logger: logger, scores: make(map[string]Score)}
}

// Run blocks, recomputing scores every interval until ctx is done. Intended
// to be started in its own goroutine alongside the Retry Loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Monitor) refresh(ctx context.Context) {
	states, err := m.source.GetAllStates(ctx)
	if err != nil {
		m.logger.Warn("health_check_failed", "event", "health_check_failed", "error", err)
		return
	}

	scores := make(map[string]Score, len(states))
	unhealthy := 0
	for _, state := range states {
		score := computeScore(state)
		if !score.IsHealthy {
			unhealthy++
		}
		scores[state.Credential] = score
	}

	m.mu.Lock()
	m.scores = scores
	m.mu.Unlock()

	if unhealthy > 0 {
		m.logger.Warn("key_health_check_completed", "event", "key_health_check_completed", "total_keys", len(states), "unhealthy_keys", unhealthy)
	} else {
		m.logger.Debug("key_health_check_completed", "event", "key_health_check_completed", "total_keys", len(states), "unhealthy_keys", 0)
	}
}

func computeScore(state keystore.KeyState) Score {
	total := state.TotalSuccesses + state.TotalFailures
	healthScore := 1.0
	if total > 0 {
		successRate := float64(state.TotalSuccesses) / float64(total)
		penalty := float64(state.ConsecutiveFailures) * 0.1
		if penalty > consecutiveFailurePenaltyCap {
			penalty = consecutiveFailurePenaltyCap
		}
		healthScore = successRate - penalty
		if healthScore < 0 {
			healthScore = 0
		}
		if healthScore > 1 {
			healthScore = 1
		}
	}

	return Score{
		CredentialPreview:   credential.Preview(state.Credential),
		Group:               state.Group,
		HealthScore:         healthScore,
		IsHealthy:           !state.Blocked,
		ConsecutiveFailures: state.ConsecutiveFailures,
	}
}

// Scores returns a snapshot of the latest computed scores, keyed by raw
// credential (for the admin surface to re-key by preview or group as
// needed). Safe for concurrent use.
func (m *Monitor) Scores() map[string]Score {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Score, len(m.scores))
	for k, v := range m.scores {
		out[k] = v
	}
	return out
}
