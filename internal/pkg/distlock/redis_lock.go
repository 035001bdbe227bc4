package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLease is a SET NX lease with a random owner token. Release and Extend
// only touch the key while it still carries this owner's token.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLease creates a lease stored under "lease:<key>".
func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    "lease:" + key,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Owner returns the token written into Redis while the lease is held.
func (l *RedisLease) Owner() string { return l.owner }

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	return err
}

// Extend pushes the expiry out by ttl. Returns ErrLeaseLost when the key no
// longer belongs to this owner.
func (l *RedisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
