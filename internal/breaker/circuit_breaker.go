// Package breaker implements a per-target circuit breaker: a
// Closed/Open/Half-Open state machine guarding against hammering an
// upstream target that is already failing, driven by consecutive-failure
// and consecutive-success counters rather than a sliding failure rate.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Call when the breaker rejects the call outright.
var ErrOpen = errors.New("breaker: circuit open")

// State is one of Closed, Open, Half-Open.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes one breaker instance.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// Validate checks Config invariants.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("breaker: failure_threshold must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return errors.New("breaker: recovery_timeout must be positive")
	}
	if c.SuccessThreshold <= 0 {
		return errors.New("breaker: success_threshold must be positive")
	}
	return nil
}

// DefaultConfig returns reasonable defaults for a single target breaker.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Breaker is one target URL's circuit breaker. Thread-safe.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	probeInFlight   bool
	lastFailure     time.Time
	nextAttemptTime time.Time

	logger  *slog.Logger
	metrics Metrics
}

// New builds a Breaker in the Closed state.
func New(cfg Config, logger *slog.Logger, metrics Metrics) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Breaker{cfg: cfg, state: StateClosed, logger: logger, metrics: metrics}, nil
}

// Call admits or rejects the call per the current state, invokes op outside
// the lock on admission, and applies the resulting state transition.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err == nil)
	return err
}

// admit checks the current state and, for StateOpen, performs the
// time-based transition into StateHalfOpen.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateOpen:
		if now.Before(b.nextAttemptTime) {
			b.metrics.RequestBlocked(b.state)
			return ErrOpen
		}
		b.transitionToHalfOpenLocked()
		return nil

	case StateHalfOpen:
		// Only one probe is admitted at a time; a second concurrent caller
		// while a probe is outstanding is rejected rather than piling onto
		// a target that may still be down. Once that probe resolves,
		// further probes are admitted until successCount reaches
		// cfg.SuccessThreshold or a failure reopens the breaker.
		if b.probeInFlight {
			b.metrics.RequestBlocked(b.state)
			return ErrOpen
		}
		b.probeInFlight = true
		return nil

	default: // StateClosed
		return nil
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				b.transitionToClosedLocked()
			}
		} else {
			b.lastFailure = time.Now()
			b.transitionToOpenLocked()
		}

	case StateClosed:
		if success {
			b.failureCount = 0
			return
		}
		b.failureCount++
		b.lastFailure = time.Now()
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionToOpenLocked()
		}

	case StateOpen:
		// A call racing the admit/record pair after the breaker reopened
		// mid-flight; nothing to update.
	}
}

func (b *Breaker) transitionToOpenLocked() {
	old := b.state
	b.state = StateOpen
	b.successCount = 0
	b.failureCount = 0
	b.probeInFlight = false
	b.nextAttemptTime = time.Now().Add(b.cfg.RecoveryTimeout)

	b.logger.Warn("circuit breaker opened",
		"previous_state", old.String(),
		"recovery_timeout", b.cfg.RecoveryTimeout,
	)
	b.metrics.StateChanged(old, StateOpen)
}

func (b *Breaker) transitionToHalfOpenLocked() {
	old := b.state
	b.state = StateHalfOpen
	b.successCount = 0
	b.failureCount = 0
	b.probeInFlight = false

	b.logger.Info("circuit breaker entering half-open", "previous_state", old.String())
	b.metrics.StateChanged(old, StateHalfOpen)
}

func (b *Breaker) transitionToClosedLocked() {
	old := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	b.nextAttemptTime = time.Time{}

	b.logger.Info("circuit breaker closed", "previous_state", old.String())
	b.metrics.StateChanged(old, StateClosed)
}

// State returns the current state (thread-safe).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailure     time.Time
	NextAttemptTime time.Time
}

// Stats returns a snapshot of the breaker's internal counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailure:     b.lastFailure,
		NextAttemptTime: b.nextAttemptTime,
	}
}

// Reset forces the breaker back to Closed, for admin/manual intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	b.nextAttemptTime = time.Time{}
	b.logger.Info("circuit breaker manually reset", "previous_state", old.String())
	b.metrics.StateChanged(old, StateClosed)
}
