package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCoordinator_LockLifecycle(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()
	key := RuleLockKey("rule_1")

	ok, _ := c.AcquireLock(ctx, key, "owner-a", time.Minute)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	ok, _ = c.AcquireLock(ctx, key, "owner-b", time.Minute)
	if ok {
		t.Fatal("expected second acquire to fail while held")
	}
	if renewed, _ := c.RenewLock(ctx, key, "owner-b", time.Minute); renewed {
		t.Error("non-owner must not renew")
	}
	_ = c.ReleaseLock(ctx, key, "owner-b")
	if owner, _ := c.GetLockOwner(ctx, key); owner != "owner-a" {
		t.Errorf("non-owner release must be a no-op, owner=%q", owner)
	}
	_ = c.ReleaseLock(ctx, key, "owner-a")
	if ok, _ := c.AcquireLock(ctx, key, "owner-b", time.Minute); !ok {
		t.Error("expected acquire after release to succeed")
	}
}

func TestMemoryCoordinator_Expiry(t *testing.T) {
	c := NewMemoryCoordinator()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = c.AcquireLock(ctx, LeaderLockKey(), "a", time.Second)
	now = now.Add(2 * time.Second)
	if ok, _ := c.AcquireLock(ctx, LeaderLockKey(), "b", time.Second); !ok {
		t.Fatal("expired lock should be acquirable")
	}
}

func TestMemoryCoordinator_ScanLocks(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()
	_, _ = c.AcquireLock(ctx, LeaderLockKey(), "a", time.Minute)
	_, _ = c.AcquireLock(ctx, RuleLockKey("r1"), "a", time.Minute)
	_, _ = c.AcquireLock(ctx, IdempotencyKey("commands", "x"), "a", time.Minute)

	keys, _ := c.ScanLocks(ctx, LockPattern())
	if len(keys) != 2 {
		t.Fatalf("expected 2 lock keys, got %v", keys)
	}
	if e, _ := c.IncrementEpoch(ctx, LeaderLockKey()); e != 1 {
		t.Errorf("expected epoch 1, got %d", e)
	}
	if e, _ := c.GetEpoch(ctx, LeaderLockKey()); e != 1 {
		t.Errorf("expected epoch 1, got %d", e)
	}
}
