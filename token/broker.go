package token

import (
	"context"
	"sync"
	"time"

	"github.com/stellarops/mirrorsync/clock"
	"github.com/stellarops/mirrorsync/observe"
)

// Transport delivers token requests to the presentation layer across
// the process boundary.
type Transport interface {
	// RequestToken signals that a credential for the principal is
	// needed. The presentation layer answers via Broker.Provide.
	RequestToken(principalID int64)

	// Available reports whether the presentation layer can currently
	// service requests. When false, requests resolve immediately with
	// no credential.
	Available() bool
}

// Config configures a Broker.
type Config struct {
	// Transport carries request signals to the presentation layer.
	// A nil transport behaves as permanently unavailable.
	Transport Transport

	// Timeout is how long each individual request waits for Provide.
	// Default: 10s
	Timeout time.Duration

	// Clock provides timers. If nil, the system clock is used.
	Clock clock.Clock

	// Logger receives brokering diagnostics. If nil, logging is disabled.
	Logger observe.Logger
}

// pendingRequest is one queued caller. Cancellation (timeout or
// context) removes the request from its queue by id.
type pendingRequest struct {
	id    uint64
	done  chan string
	timer clock.Timer
}

// Broker coalesces concurrent credential requests per principal: the
// first request in an idle state signals the transport, later ones
// attach to the same queue, and one Provide call resolves them all.
// Safe for concurrent use.
type Broker struct {
	transport Transport
	timeout   time.Duration
	clock     clock.Clock
	logger    observe.Logger

	mu     sync.Mutex
	queues map[int64][]*pendingRequest
	nextID uint64
}

// NewBroker creates a new Broker.
func NewBroker(cfg Config) *Broker {
	// Apply defaults
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}

	return &Broker{
		transport: cfg.Transport,
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
		logger:    cfg.Logger.WithComponent("token"),
		queues:    make(map[int64][]*pendingRequest),
	}
}

// Request asks for a credential for the principal. It blocks until
// Provide answers, the per-request timeout elapses (resolving ""), or
// ctx is cancelled. An empty string means no credential is available;
// the caller decides whether that fails its operation.
func (b *Broker) Request(ctx context.Context, principalID int64) (string, error) {
	if principalID <= 0 {
		return "", ErrInvalidPrincipal
	}
	if b.transport == nil || !b.transport.Available() {
		// No presentation layer to service the request.
		return "", nil
	}

	b.mu.Lock()
	b.nextID++
	req := &pendingRequest{
		id:   b.nextID,
		done: make(chan string, 1),
	}
	req.timer = b.clock.AfterFunc(b.timeout, func() {
		b.expire(principalID, req.id)
	})

	first := len(b.queues[principalID]) == 0
	b.queues[principalID] = append(b.queues[principalID], req)
	b.mu.Unlock()

	if first {
		// Idle -> AwaitingResponse: exactly one signal per round-trip.
		b.logger.Debug(ctx, "requesting token",
			observe.Field{Key: "principal_id", Value: principalID})
		b.transport.RequestToken(principalID)
	}

	select {
	case tok := <-req.done:
		return tok, nil
	case <-ctx.Done():
		b.remove(principalID, req.id)
		req.timer.Stop()
		return "", ctx.Err()
	}
}

// Provide delivers the presentation layer's answer for a principal.
// Every queued request resolves with the same value; an empty token
// resolves them with "no credential". A call for a principal with no
// pending queue, or with an invalid principal id, is ignored.
func (b *Broker) Provide(principalID int64, token string) {
	if principalID <= 0 {
		return
	}

	b.mu.Lock()
	queue := b.queues[principalID]
	delete(b.queues, principalID)
	b.mu.Unlock()

	if len(queue) == 0 {
		return
	}

	for _, req := range queue {
		req.timer.Stop()
		req.done <- token
	}

	b.logger.Debug(context.Background(), "token provided",
		observe.Field{Key: "principal_id", Value: principalID},
		observe.Field{Key: "waiters", Value: len(queue)},
		observe.Field{Key: "granted", Value: token != ""})
}

// Pending returns the number of requests waiting for the principal.
func (b *Broker) Pending(principalID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[principalID])
}

// expire times out a single queued request. Sibling requests keep
// waiting; a late Provide can still serve them.
func (b *Broker) expire(principalID int64, id uint64) {
	if req := b.take(principalID, id); req != nil {
		req.done <- ""
	}
}

// remove drops a request from its queue without resolving it.
func (b *Broker) remove(principalID int64, id uint64) {
	b.take(principalID, id)
}

// take unlinks and returns the request with the given id, or nil if
// it was already resolved or removed. An emptied queue returns the
// principal to idle.
func (b *Broker) take(principalID int64, id uint64) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.queues[principalID]
	for i, req := range queue {
		if req.id != id {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(b.queues, principalID)
		} else {
			b.queues[principalID] = queue
		}
		return req
	}
	return nil
}
