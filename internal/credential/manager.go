// Package credential implements the round-robin selector that hands the
// retry loop a usable KeyInfo, and the delegating entry points that feed
// failures and rate limits back to the Key Store.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/nullstream/genai-key-proxy/internal/audit"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
)

// ErrNoneAvailable is returned by Next when every candidate is blocked or
// cooling down. Callers surface this as apierr.KindNoHealthyKeys.
var ErrNoneAvailable = errors.New("credential: no healthy keys available")

// KeyInfo is the flattened, ready-to-use view of a selected credential:
// which upstream it targets and through which outbound proxy, if any.
type KeyInfo struct {
	Credential string
	Group      string
	TargetURL  string
	ProxyURL   string
}

// Metrics receives the credential-lifecycle counters the process-wide
// Prometheus registry tracks. Optional: a Manager with no Metrics set
// simply skips these calls.
type Metrics interface {
	RecordSelection(group, rotationMethod string)
	RecordFailure(group string)
	RecordBlock(group string)
}

// Manager selects and retires credentials. It holds no health state itself
// — that lives entirely in the Store — so it can be rebuilt on config
// reload without losing KeyState.
type Manager struct {
	store                  keystore.Store
	info                   map[string]KeyInfo // credential -> routing info
	groupIndex             *GroupIndex
	maxFailuresThreshold   int
	temporaryBlockDuration time.Duration
	logger                 *slog.Logger
	metrics                Metrics
	audit                  audit.Writer
}

// SetMetrics attaches a Metrics recorder. Called once at startup, before the
// Manager is handed to the Retry Loop.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// SetAudit attaches the persistent audit trail writer. Called once at
// startup; a Manager with none set simply skips these calls.
func (m *Manager) SetAudit(w audit.Writer) {
	m.audit = w
}

// New builds a Manager from groups, in the same order they were configured
// — that order decides which group wins when two groups claim the same
// exact model alias.
func New(
	store keystore.Store,
	groups []GroupRouting,
	maxFailuresThreshold int,
	temporaryBlockDuration time.Duration,
	logger *slog.Logger,
) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info := make(map[string]KeyInfo)
	aliases := make([]GroupAliases, 0, len(groups))
	for _, g := range groups {
		aliases = append(aliases, GroupAliases{Group: g.Name, Aliases: g.ModelAliases})
		for _, cred := range g.Credentials {
			info[cred] = KeyInfo{Credential: cred, Group: g.Name, TargetURL: g.TargetURL, ProxyURL: g.ProxyURL}
		}
	}

	gi, err := NewGroupIndex(aliases, 256)
	if err != nil {
		return nil, err
	}

	return &Manager{
		store:                  store,
		info:                   info,
		groupIndex:             gi,
		maxFailuresThreshold:   maxFailuresThreshold,
		temporaryBlockDuration: temporaryBlockDuration,
		logger:                 logger,
	}, nil
}

// GroupRouting is the subset of config.GroupConfig the Manager needs,
// decoupling this package from the config package's import graph.
type GroupRouting struct {
	Name         string
	Credentials  []string
	TargetURL    string
	ProxyURL     string
	ModelAliases []string
}

// Next selects the next available credential for model (empty string means
// no model filter — all groups are eligible).
func (m *Manager) Next(ctx context.Context, model string) (KeyInfo, error) {
	groupName := ""
	rotationMethod := "global_round_robin"
	if model != "" {
		if g, ok := m.groupIndex.GroupForModel(model); ok {
			groupName = g
			rotationMethod = "group_round_robin"
		}
	}

	candidates, err := m.store.CandidateKeys(ctx, groupName)
	if err != nil {
		return KeyInfo{}, err
	}
	sort.Strings(candidates)

	n := len(candidates)
	if n == 0 {
		return KeyInfo{}, ErrNoneAvailable
	}

	cursor, err := m.store.NextRotationIndex(ctx, groupName)
	if err != nil {
		return KeyInfo{}, err
	}
	start := int(cursor % uint64(n))
	now := time.Now()

	for i := 0; i < n; i++ {
		candidate := candidates[(start+i)%n]

		state, err := m.store.GetKeyState(ctx, candidate)
		switch {
		case err == keystore.ErrUnknownCredential:
			// Absent state is treated as available.
		case err != nil:
			return KeyInfo{}, err
		case !state.IsAvailable(now):
			continue
		}

		info, ok := m.info[candidate]
		if !ok {
			info = KeyInfo{Credential: candidate, Group: groupName}
		}

		m.logger.Info("key_selected",
			"event", "key_selected",
			"api_key_preview", Preview(candidate),
			"group", info.Group,
			"rotation_method", rotationMethod,
			"total_candidates", n,
		)
		if m.metrics != nil {
			m.metrics.RecordSelection(info.Group, rotationMethod)
		}
		if m.audit != nil {
			m.audit.Record(audit.Event{
				OccurredAt:        time.Now(),
				Kind:              audit.KindKeySelected,
				CredentialPreview: Preview(candidate),
				Group:             info.Group,
				Detail:            rotationMethod,
			})
		}
		return info, nil
	}

	return KeyInfo{}, ErrNoneAvailable
}

// RecordFailure delegates to the Store and emits a structured event,
// distinguishing a block from a plain recorded failure.
func (m *Manager) RecordFailure(ctx context.Context, key string, terminal bool) error {
	if err := m.store.RecordFailure(ctx, key, terminal, m.maxFailuresThreshold); err != nil {
		return err
	}

	state, err := m.store.GetKeyState(ctx, key)
	if err != nil {
		return err
	}

	event := "key_failure_recorded"
	if state.Blocked {
		event = "key_blocked"
	}
	m.logger.Warn(event,
		"event", event,
		"api_key_preview", Preview(key),
		"group", state.Group,
		"consecutive_failures", state.ConsecutiveFailures,
	)
	if m.metrics != nil {
		if state.Blocked {
			m.metrics.RecordBlock(state.Group)
		} else {
			m.metrics.RecordFailure(state.Group)
		}
	}
	if m.audit != nil {
		kind := audit.KindKeyFailureRecorded
		if state.Blocked {
			kind = audit.KindKeyBlocked
		}
		m.audit.Record(audit.Event{
			OccurredAt:        time.Now(),
			Kind:              kind,
			CredentialPreview: Preview(key),
			Group:             state.Group,
		})
	}
	return nil
}

// RecordSuccess delegates to the Store.
func (m *Manager) RecordSuccess(ctx context.Context, key string) error {
	return m.store.RecordSuccess(ctx, key)
}

// HandleRateLimit delegates to the Store, applying duration if given or the
// manager's configured default cooldown otherwise.
func (m *Manager) HandleRateLimit(ctx context.Context, key string, duration time.Duration) error {
	if duration <= 0 {
		duration = m.temporaryBlockDuration
	}
	return m.store.SetCooldown(ctx, key, duration)
}

// Reset clears a credential's blocked/cooldown/failure state.
func (m *Manager) Reset(ctx context.Context, key string) error {
	return m.store.ResetKey(ctx, key)
}

// GetAllStates returns every known credential's KeyState.
func (m *Manager) GetAllStates(ctx context.Context) ([]keystore.KeyState, error) {
	return m.store.GetAllKeyStates(ctx)
}

// GetAllKeys returns the routing info for every configured credential.
func (m *Manager) GetAllKeys() []KeyInfo {
	out := make([]KeyInfo, 0, len(m.info))
	for _, info := range m.info {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credential < out[j].Credential })
	return out
}
