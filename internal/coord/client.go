// Package coord is a thin, typed façade over the shared coordination
// store (spec §4.1, component L1): keys, lists, sets, sorted sets, hashes,
// pub/sub, and the two mandatory server-side atomic scripts.
package coord

import (
	"context"
	"time"
)

// SetOptions controls the optional modifiers on Set.
type SetOptions struct {
	// NX: only set if the key does not already exist.
	NX bool
	// TTL: expire after this duration (zero means no expiry).
	TTL time.Duration
}

// Message is a single pub/sub payload delivered on a subscribed channel.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live subscription to one or more channels.
type Subscription interface {
	// Channel yields messages as they arrive; closed when the subscription
	// is closed or the underlying connection is torn down.
	Channel() <-chan Message
	Close() error
}

// Client is the façade every higher-level component (M1-M4, T1-T3) uses to
// talk to the coordination store. Implementations must be safe for
// concurrent use by many goroutines.
type Client interface {
	// Key/value
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)
	Del(ctx context.Context, keys ...string) error

	// Lists (bots:rotation:queue)
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error

	// Sets (bots:deployed, bots:active, bots:cycling)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Sorted sets (queue:elo)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRem(ctx context.Context, key string, member string) error

	// Hashes (bots:rotation:config)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Pub/sub
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Atomic scripts (spec §4.1)
	//
	// ExtendLeader implements extendLeader(key, expectedValue, ttlMs):
	// if the current value at key equals expectedValue, sets its expiry to
	// ttl and returns true; otherwise returns false without mutating.
	ExtendLeader(ctx context.Context, key, expectedValue string, ttl time.Duration) (bool, error)

	// AcquireCycleGuard implements acquireCycleGuard(guardKey, nowMs,
	// maxAgeMs, ttlSeconds): atomically checks staleness and acquires the
	// guard in one round trip, closing the TOCTOU window spec §9 calls out.
	AcquireCycleGuard(ctx context.Context, guardKey string, now time.Time, maxAge, ttl time.Duration) (bool, error)

	// ScanKeys returns keys matching pattern. No component calls it; the
	// pruner enumerates bots through the bots:cycling and bots:deployed sets.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}

// ErrNotFound names the absent-key condition. Neither Client implementation
// returns it: Get reports an absent key as an empty string with a nil error,
// and HGet, LPop and ZScore report absence through their bool result.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "coord: key not found" }
