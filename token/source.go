package token

import (
	"context"
	"strconv"
	"time"

	"github.com/stellarops/mirrorsync/cache"
	"github.com/stellarops/mirrorsync/clock"
)

// SourceConfig configures a caching token source.
type SourceConfig struct {
	// Broker answers cache misses. Required.
	Broker *Broker

	// TTL bounds how long a brokered token is reused before asking
	// the presentation layer again. A token whose JWT exp claim falls
	// sooner is dropped at that point instead.
	// Default: 15 minutes
	TTL time.Duration

	// MaxPrincipals bounds the number of cached credentials.
	// Default: 32
	MaxPrincipals int

	// Clock provides the current time. If nil, the system clock is used.
	Clock clock.Clock
}

// Source is a caching credential source for the resource fetcher. It
// reuses brokered tokens until their TTL or JWT expiry, whichever
// comes first, so repeated fetches do not round-trip to the
// presentation layer.
type Source struct {
	broker *Broker
	cache  *cache.TTLCache[string]
	clock  clock.Clock
}

// NewSource creates a caching token source backed by the broker.
func NewSource(cfg SourceConfig) *Source {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.MaxPrincipals <= 0 {
		cfg.MaxPrincipals = 32
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Source{
		broker: cfg.Broker,
		cache: cache.NewTTL[string](cache.TTLConfig{
			TTL:     cfg.TTL,
			MaxSize: cfg.MaxPrincipals,
			Clock:   cfg.Clock,
		}),
		clock: cfg.Clock,
	}
}

// Token returns a credential for the principal, consulting the cache
// before the broker. An empty string with a nil error means no
// credential is available.
func (s *Source) Token(ctx context.Context, principalID int64) (string, error) {
	key := strconv.FormatInt(principalID, 10)

	if tok, ok := s.cache.Get(key); ok && s.stillValid(tok) {
		return tok, nil
	}

	tok, err := s.broker.Request(ctx, principalID)
	if err != nil {
		return "", err
	}
	if tok != "" && s.stillValid(tok) {
		s.cache.Set(key, tok)
	}
	return tok, nil
}

// Forget drops the cached credential for a principal, forcing the
// next Token call back to the broker. Called when the remote service
// rejects a credential that the cache still considers fresh.
func (s *Source) Forget(principalID int64) {
	s.cache.Delete(strconv.FormatInt(principalID, 10))
}

// stillValid reports whether the token's JWT expiry, when readable,
// is still in the future. Opaque tokens pass; only a parseable exp in
// the past disqualifies.
func (s *Source) stillValid(tok string) bool {
	expiresAt, err := Expiry(tok)
	if err != nil {
		return true
	}
	return s.clock.Now().Before(expiresAt)
}
