package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/observability"
)

// renewScript extends a lock only while it is still held by ARGV[1].
// Returns 1 on success, -1 if the key is gone, -2 on owner mismatch.
var renewScript = redis.NewScript(`
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return -2
	end
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisCoordinator implements Coordinator using Redis, and stores cached
// idempotent HTTP responses.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator connects to Redis and verifies the connection.
func NewRedisCoordinator(ctx context.Context, cfg config.Redis) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	if err := renewScript.Load(pingCtx, client).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("preload renew script: %w", err)
	}
	if err := releaseScript.Load(pingCtx, client).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("preload release script: %w", err)
	}

	return &RedisCoordinator{client: client}, nil
}

// Close closes the underlying client.
func (s *RedisCoordinator) Close() error {
	return s.client.Close()
}

func (s *RedisCoordinator) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// AcquireLock attempts to acquire a distributed lock.
// It uses SET key value NX PX ttl.
func (s *RedisCoordinator) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL if the lock is held by ownerID.
func (s *RedisCoordinator) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	res, err := renewScript.Run(ctx, s.client, []string{key}, ownerID, int64(ttl/time.Millisecond)).Int64()
	if err != nil {
		return false, err
	}
	// -1 key missing, -2 owner mismatch, 0 pexpire raced with expiry.
	return res == 1, nil
}

// ReleaseLock releases the lock if held by ownerID.
func (s *RedisCoordinator) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	defer observeRedis(time.Now())
	return releaseScript.Run(ctx, s.client, []string{key}, ownerID).Err()
}

// GetLockOwner returns current owner.
func (s *RedisCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// --- Lease Implementation (Reuse Logic) ---

func (s *RedisCoordinator) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisCoordinator) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisCoordinator) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisCoordinator) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	val, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return val == value, nil
}

// IncrementEpoch increments the epoch counter for the given key.
// It uses a separate key suffixed with ":epoch".
func (s *RedisCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	defer observeRedis(time.Now())
	return s.client.Incr(ctx, epochKey(key)).Result()
}

func (s *RedisCoordinator) GetEpoch(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, epochKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// ScanLocks returns keys matching the pattern.
func (s *RedisCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// --- Idempotent Response Storage ---

// GetValue returns the value at key, or ok=false when absent.
func (s *RedisCoordinator) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	defer observeRedis(time.Now())

	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// SetValueNX stores value only if key is absent. It reports whether it wrote.
func (s *RedisCoordinator) SetValueNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// SetValue overwrites key with value.
func (s *RedisCoordinator) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer observeRedis(time.Now())
	return s.client.Set(ctx, key, value, ttl).Err()
}

// DeleteValue removes key.
func (s *RedisCoordinator) DeleteValue(ctx context.Context, key string) error {
	defer observeRedis(time.Now())
	return s.client.Del(ctx, key).Err()
}
