package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryCoordinator is a single-process Coordinator used by tests and by
// deployments without Redis.
type MemoryCoordinator struct {
	mu     sync.Mutex
	locks  map[string]memLock
	epochs map[string]int64
	now    func() time.Time
}

type memLock struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		locks:  make(map[string]memLock),
		epochs: make(map[string]int64),
		now:    time.Now,
	}
}

// live returns the lock at key if it has not expired. Callers hold mu.
func (c *MemoryCoordinator) live(key string) (memLock, bool) {
	l, ok := c.locks[key]
	if !ok {
		return memLock{}, false
	}
	if c.now().After(l.expiresAt) {
		delete(c.locks, key)
		return memLock{}, false
	}
	return l, true
}

func (c *MemoryCoordinator) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.locks[key] = memLock{value: ownerID, expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *MemoryCoordinator) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.live(key)
	if !ok || l.value != ownerID {
		return false, nil
	}
	l.expiresAt = c.now().Add(ttl)
	c.locks[key] = l
	return true, nil
}

func (c *MemoryCoordinator) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.live(key); ok && l.value == ownerID {
		delete(c.locks, key)
	}
	return nil
}

func (c *MemoryCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.live(key)
	if !ok {
		return "", nil
	}
	return l.value, nil
}

func (c *MemoryCoordinator) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.AcquireLock(ctx, key, value, ttl)
}

func (c *MemoryCoordinator) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.RenewLock(ctx, key, value, ttl)
}

func (c *MemoryCoordinator) ReleaseLease(ctx context.Context, key string, value string) error {
	return c.ReleaseLock(ctx, key, value)
}

func (c *MemoryCoordinator) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	owner, err := c.GetLockOwner(ctx, key)
	return owner == value, err
}

func (c *MemoryCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[key]++
	return c.epochs[key], nil
}

func (c *MemoryCoordinator) GetEpoch(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[key], nil
}

func (c *MemoryCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key := range c.locks {
		if _, ok := c.live(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
