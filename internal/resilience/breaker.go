package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and calls pass through.
	StateClosed State = iota
	// StateOpen indicates the circuit is open and calls fail fast.
	StateOpen
	// StateHalfOpen indicates a trial state where probes test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker for one named service.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures in the closed state.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing
	// a half-open probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold closes the circuit after this many consecutive
	// successes in the half-open state.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the standard per-service configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2}
}

// Breaker implements the circuit breaker pattern for one named service.
// Thread-safe; owned by the Registry, never an ambient singleton.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	halfOpenProbes  int
	lastFailureTime time.Time
	lastTransition  time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64

	fallback      any
	hasFallback   bool
	onStateChange func(name string, from, to State)
	now           func() time.Time
}

// NewBreaker creates a circuit breaker for the named service.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// SetFallback registers a value returned to callers when the circuit fails
// fast.
func (b *Breaker) SetFallback(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = v
	b.hasFallback = true
}

// OnStateChange registers an observer hook invoked after every transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.stateChanges++
	b.lastTransition = b.now()
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenProbes = 0
	hook := b.onStateChange

	slog.Info("circuit breaker state change",
		slog.String("service", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	if hook != nil {
		// Hook runs outside the lock so observers can query stats.
		go hook(b.name, from, to)
	}
}

// allow reports whether a call may proceed, promoting OPEN to HALF_OPEN when
// the recovery timeout has elapsed. HALF_OPEN admits at most SuccessThreshold
// probes in flight; everyone else fails fast until the probes report back.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenProbes >= b.cfg.SuccessThreshold {
			return false
		}
		b.halfOpenProbes++
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.halfOpenProbes = 1
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful protected call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests++
	b.totalSuccesses++
	b.failureCount = 0
	b.successCount++
	if b.state == StateHalfOpen {
		if b.halfOpenProbes > 0 {
			b.halfOpenProbes--
		}
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure records a failed protected call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests++
	b.totalFailures++
	b.successCount = 0
	b.failureCount++
	if b.state == StateHalfOpen && b.halfOpenProbes > 0 {
		b.halfOpenProbes--
	}
	b.lastFailureTime = b.now()
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

// Execute runs fn under the breaker. When the circuit is open and the
// recovery timeout has not elapsed, it fails fast with ErrUnavailable and,
// if a fallback is registered, returns it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if !b.allow() {
		b.mu.Lock()
		fb, has := b.fallback, b.hasFallback
		b.mu.Unlock()
		if has {
			return fb, fmt.Errorf("op=breaker.%s: circuit open: %w", b.name, domain.ErrUnavailable)
		}
		return nil, fmt.Errorf("op=breaker.%s: circuit open: %w", b.name, domain.ErrUnavailable)
	}
	out, err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return out, err
	}
	b.RecordSuccess()
	return out, nil
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of breaker counters for the status command and
// metrics.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"service":           b.name,
		"state":             b.state.String(),
		"failure_threshold": b.cfg.FailureThreshold,
		"recovery_timeout":  b.cfg.RecoveryTimeout.String(),
		"success_threshold": b.cfg.SuccessThreshold,
		"failure_count":     b.failureCount,
		"success_count":     b.successCount,
		"total_requests":    b.totalRequests,
		"total_failures":    b.totalFailures,
		"total_successes":   b.totalSuccesses,
		"state_changes":     b.stateChanges,
		"last_failure":      b.lastFailureTime.Format(time.RFC3339),
		"last_transition":   b.lastTransition.Format(time.RFC3339),
	}
}
