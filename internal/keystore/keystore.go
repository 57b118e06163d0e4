// Package keystore defines the Key Store abstraction: the durable record of
// which credentials exist, their rotation cursor, and their health state.
// Two implementations share this interface — an in-process map for
// single-instance deployments and a Redis-backed one for multi-instance
// deployments that must share rotation state.
package keystore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached (e.g.
// Redis connection failure). Callers surface this as apierr.KindStorageUnavailable.
var ErrUnavailable = errors.New("keystore: unavailable")

// ErrUnknownCredential is returned by operations that reference a credential
// the store was never initialized with.
var ErrUnknownCredential = errors.New("keystore: unknown credential")

// KeyState is the mutable health record attached to one credential.
// It is the only thing a Store mutates — credential.Manager never writes
// these fields directly.
type KeyState struct {
	Credential          string
	Group               string
	Blocked             bool
	ConsecutiveFailures int
	TotalFailures       int64
	TotalSuccesses      int64
	CooldownUntil       time.Time
	LastFailure         time.Time
	LastSuccess         time.Time
}

// IsAvailable reports whether the key may currently be selected: not
// blocked, and any cooldown has expired.
func (k KeyState) IsAvailable(now time.Time) bool {
	if k.Blocked {
		return false
	}
	if !k.CooldownUntil.IsZero() && now.Before(k.CooldownUntil) {
		return false
	}
	return true
}

// Store is the Key Store abstraction. All methods accept a ctx so the
// Redis-backed implementation can honor cancellation/timeouts; the
// in-process implementation ignores it.
type Store interface {
	// InitializeKeys seeds the store with every configured credential,
	// grouped as given. It is idempotent: calling it again with the same
	// membership must not reset existing health state (the Redis store in
	// test mode is the exception: it clears prior state first). ReconcileKeys
	// is the separate entry point for membership changes on reload.
	InitializeKeys(ctx context.Context, groupCredentials map[string][]string) error

	// CandidateKeys returns every known credential for groupName (or all
	// groups if groupName is empty), in a stable order.
	CandidateKeys(ctx context.Context, groupName string) ([]string, error)

	// NextRotationIndex atomically advances and returns the rotation cursor
	// for groupName, used to pick the next candidate round-robin.
	NextRotationIndex(ctx context.Context, groupName string) (uint64, error)

	// RecordFailure marks one failed attempt against credential. If
	// isTerminal is true the credential is blocked immediately regardless of
	// maxConsecutiveFailures; otherwise it is blocked once ConsecutiveFailures
	// reaches maxConsecutiveFailures.
	RecordFailure(ctx context.Context, credential string, isTerminal bool, maxConsecutiveFailures int) error

	// RecordSuccess clears ConsecutiveFailures and stamps LastSuccess.
	RecordSuccess(ctx context.Context, credential string) error

	// SetCooldown rate-limits credential until now+duration without touching
	// the failure counters. The in-process store records only CooldownUntil;
	// the Redis store also sets Blocked and gives the state record a TTL of
	// duration, so the record expires when the cooldown ends.
	SetCooldown(ctx context.Context, credential string, duration time.Duration) error

	// ResetKey clears Blocked, ConsecutiveFailures, and CooldownUntil for
	// credential, leaving cumulative counters untouched.
	ResetKey(ctx context.Context, credential string) error

	// GetKeyState returns the current KeyState for credential.
	GetKeyState(ctx context.Context, credential string) (KeyState, error)

	// GetAllKeyStates returns every known KeyState, in a stable order.
	GetAllKeyStates(ctx context.Context) ([]KeyState, error)

	// ReconcileKeys adds newly-configured credentials and removes ones no
	// longer present, on a hot-reload config swap. Existing KeyState for
	// credentials present in both old and new membership is preserved
	// untouched.
	ReconcileKeys(ctx context.Context, groupCredentials map[string][]string) error
}
