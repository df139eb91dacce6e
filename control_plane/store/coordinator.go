package store

import (
	"context"
	"time"
)

// Coordinator defines the interface for distributed coordination:
// leader election, per-rule run leases and the lock janitor.
type Coordinator interface {
	// AcquireLock attempts to acquire a lock for the given key.
	// Returns true if successful, false if lock is held by another.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// RenewLock extends the TTL of a held lock.
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the lock if held by ownerID.
	ReleaseLock(ctx context.Context, key string, ownerID string) error

	// GetLockOwner returns the current owner of the lock, or empty if free.
	GetLockOwner(ctx context.Context, key string) (string, error)

	// AcquireLease attempts to acquire a lease for a resource.
	// value should contain metadata (owner_id, req_id, timestamps).
	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL of a held lease if the value matches.
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease if the value matches.
	ReleaseLease(ctx context.Context, key string, value string) error

	// IsLeaseOwner checks if the current value matches the given value.
	IsLeaseOwner(ctx context.Context, key string, value string) (bool, error)

	// IncrementEpoch increments the fencing epoch for key and returns the new value.
	IncrementEpoch(ctx context.Context, key string) (int64, error)

	// GetEpoch returns the current fencing epoch for key (0 if never set).
	GetEpoch(ctx context.Context, key string) (int64, error)

	// ScanLocks returns a list of keys matching the pattern (e.g. "adpilot:lock:*").
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}
