// Package breaker implements a per-endpoint circuit breaker wrapping
// outbound game-server calls.
package breaker

import (
	"sync"
	"time"

	"github.com/leetbattle/botfleet/internal/observability"
)

// State is one of closed, half_open, open.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Fallback is returned by Execute when the breaker is open and op is not
// called, so callers can tell a degraded read from a real one.
type Fallback struct {
	IsStale bool
	Reason  string
}

// Breaker guards a single remote endpoint.
type Breaker struct {
	mu       sync.Mutex
	endpoint string
	state    State

	failures  int
	successes int

	failureThreshold int
	successThreshold int
	resetDelay       time.Duration

	nextAttemptAt time.Time
	now           func() time.Time
}

// New creates a breaker for endpoint with production defaults (spec §4.3):
// 3 consecutive failures opens, 2 consecutive half-open successes closes,
// 30s reset delay before a probe is allowed.
func New(endpoint string) *Breaker {
	return &Breaker{
		endpoint:         endpoint,
		state:            Closed,
		failureThreshold: 3,
		successThreshold: 2,
		resetDelay:       30 * time.Second,
		now:              time.Now,
	}
}

// Execute runs op through the breaker. If the breaker is open and the
// reset delay has not elapsed, op is never called and fb is populated
// instead. Only one of (value, err) / fb is meaningful at a time: fb.IsStale
// is the discriminator.
func Execute[T any](b *Breaker, op func() (T, error)) (value T, fb *Fallback, err error) {
	b.mu.Lock()
	now := b.now()

	if b.state == Open {
		if now.Before(b.nextAttemptAt) {
			fb := &Fallback{IsStale: true, Reason: "circuit-open"}
			b.mu.Unlock()
			var zero T
			return zero, fb, nil
		}
		b.state = HalfOpen
		b.successes = 0
		observability.CircuitBreakerState.WithLabelValues(b.endpoint).Set(1)
	}
	b.mu.Unlock()

	value, err = op()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.successThreshold {
				b.state = Closed
				observability.CircuitBreakerState.WithLabelValues(b.endpoint).Set(0)
			}
		}
		return value, nil, nil
	}

	observability.CircuitBreakerFailures.WithLabelValues(b.endpoint).Inc()
	b.failures++
	if b.state == HalfOpen || b.failures >= b.failureThreshold {
		b.state = Open
		b.nextAttemptAt = now.Add(b.resetDelay)
		observability.CircuitBreakerState.WithLabelValues(b.endpoint).Set(2)
		var zero T
		return zero, &Fallback{IsStale: true, Reason: "circuit-open"}, nil
	}
	var zero T
	return zero, nil, err
}

// State returns the current breaker state (thread-safe).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
