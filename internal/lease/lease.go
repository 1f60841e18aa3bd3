// Package lease implements the optional distributed lease backend
// (SPEC_FULL.md §4.Q): an additive mutual-exclusion check layered on top
// of runqueue.Queue's SQL transaction claim, so two engine processes
// sharing one database don't both believe they're executing the same run
// during a lease-handoff race. The SQL CAS remains the source of truth;
// a configured Redis URL only shortens the window a second pump spends
// retrying a run someone else already grabbed.
package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend tries to acquire exclusive ownership of key for ttl, returning
// false (not an error) when someone else already holds it.
type Backend interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// None is the no-op Backend used when no distributed lease is configured;
// every acquisition trivially succeeds, leaving the SQL CAS as the sole
// serialization point.
type None struct{}

func (None) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (None) Release(context.Context, string, string) error { return nil }

// Redis backs Backend with go-redis/v9's SET NX PX.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds a Redis-backed lease from a connection URL
// (redis://host:port/db).
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{Client: redis.NewClient(opts)}, nil
}

const keyPrefix = "dagrunner:lease:"

func (r *Redis) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, keyPrefix+key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// releaseScript only deletes the key if it's still held by owner, so a
// lease that's already expired and been reacquired by someone else isn't
// clobbered by a late release call.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

func (r *Redis) Release(ctx context.Context, key, owner string) error {
	return r.Client.Eval(ctx, releaseScript, []string{keyPrefix + key}, owner).Err()
}

// Close releases the underlying Redis client connection.
func (r *Redis) Close() error { return r.Client.Close() }
