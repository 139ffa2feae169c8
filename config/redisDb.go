package config

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Redis bundles the shared client with the distributed-lock client.
// A nil *Redis (or a nil inner client) is valid everywhere: every method
// degrades to a cache miss so the pipeline never depends on Redis for
// correctness, only for speed.
type Redis struct {
	Client *redis.Client
	Locker *redislock.Client
}

// NewRedis connects and pings. Returns nil (not an error) when no address
// is configured so callers can wire the degraded mode explicitly.
func NewRedis(ctx context.Context, addr, password string) (*Redis, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{
		Client: client,
		Locker: redislock.New(client),
	}, nil
}

func (r *Redis) Close() {
	if r == nil || r.Client == nil {
		return
	}
	_ = r.Client.Close()
}

// GetObject unmarshals the cached JSON into dest. The bool reports presence.
func (r *Redis) GetObject(ctx context.Context, key string, dest interface{}) (bool, error) {
	if r == nil || r.Client == nil {
		return false, nil
	}
	val, err := r.Client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Redis) SetObject(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if r == nil || r.Client == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, key, data, ttl).Err()
}

func (r *Redis) RemoveKey(ctx context.Context, key string) error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, key).Err()
}

// Counter atomically increments and returns the named sequence.
// Returns (0, nil) when Redis is absent; callers fall back to the DB.
func (r *Redis) Counter(ctx context.Context, key string) (int64, error) {
	if r == nil || r.Client == nil {
		return 0, nil
	}
	return r.Client.Incr(ctx, key).Result()
}

// SetCounter seeds a sequence counter (no TTL: sequences never expire).
func (r *Redis) SetCounter(ctx context.Context, key string, value int64) error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Set(ctx, key, value, 0).Err()
}

// ObtainLock acquires a best-effort distributed lock. Lock absence (nil
// Redis) returns (nil, nil): callers must treat the lock as advisory only.
func (r *Redis) ObtainLock(ctx context.Context, key string, ttl time.Duration) (*redislock.Lock, error) {
	if r == nil || r.Locker == nil {
		return nil, nil
	}
	lock, err := r.Locker.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, redislock.ErrNotObtained
		}
		return nil, err
	}
	return lock, nil
}
