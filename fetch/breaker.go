package fetch

import (
	"errors"
	"sync"
	"time"

	"github.com/stellarops/mirrorsync/clock"
)

// ErrUpstreamUnavailable is returned without a network round-trip
// while the breaker is open after repeated transient failures.
var ErrUpstreamUnavailable = errors.New("fetch: upstream unavailable, circuit open")

// BreakerState is the circuit state of the upstream guard.
type BreakerState int

const (
	// BreakerClosed means requests flow normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen means requests fail fast until the cooldown elapses.
	BreakerOpen
	// BreakerProbing means one request is allowed through to test
	// recovery.
	BreakerProbing
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transient failures
	// before the breaker opens.
	// Default: 5
	MaxFailures int

	// Cooldown is how long the breaker stays open before allowing a
	// probe request.
	// Default: 30 seconds
	Cooldown time.Duration

	// Clock provides the current time. If nil, the system clock is used.
	Clock clock.Clock
}

// breaker fails fast when the upstream keeps answering with transient
// errors. Only transient failures count; a 4xx answer proves the
// upstream is reachable and resets the streak.
type breaker struct {
	maxFailures int
	cooldown    time.Duration
	clock       clock.Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &breaker{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		clock:       cfg.Clock,
	}
}

// allow reports whether a request may proceed. After the cooldown one
// request is let through as a probe; its outcome decides whether the
// breaker closes or reopens.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return ErrUpstreamUnavailable
		}
		b.state = BreakerProbing
		return nil
	case BreakerProbing:
		return ErrUpstreamUnavailable
	default:
		return nil
	}
}

// record feeds a request outcome back into the breaker.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && isTransient(err) {
		b.failures++
		if b.state == BreakerProbing || b.failures >= b.maxFailures {
			b.state = BreakerOpen
			b.openedAt = b.clock.Now()
		}
		return
	}

	b.state = BreakerClosed
	b.failures = 0
}

// currentState returns the breaker's state, accounting for an elapsed
// cooldown.
func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		return BreakerProbing
	}
	return b.state
}
