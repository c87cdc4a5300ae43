package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "idem:"

// releaseScript deletes the key only while it still holds the caller's owner id.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

type redisReservations struct {
	client redis.Cmdable
}

// NewRedisGuard keeps reservations in Redis so every instance of the service
// sees them.
func NewRedisGuard(lookup Lookup, client redis.Cmdable, opts Options) *Guard {
	return newGuard(lookup, &redisReservations{client: client}, opts)
}

func (r *redisReservations) reserve(ctx context.Context, token, owner string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyPrefix+token, owner, ttl).Result()
}

func (r *redisReservations) release(ctx context.Context, token, owner string) error {
	err := r.client.Eval(ctx, releaseScript, []string{keyPrefix + token}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
