package store

import "strings"

// KeyPrefix namespaces every Redis key written by the control plane.
const KeyPrefix = "adpilot"

// LockKey constructs a fully qualified lock key.
// Format: adpilot:lock:{parts...}
func LockKey(parts ...string) string {
	return KeyPrefix + ":lock:" + strings.Join(parts, ":")
}

// LockPattern matches every lock key, for the janitor scan.
func LockPattern() string {
	return KeyPrefix + ":lock:*"
}

// LeaderLockKey is the single global leader lease.
func LeaderLockKey() string {
	return LockKey("leader")
}

// RuleLockKey is the run lease for one rule.
// Format: adpilot:lock:rule:{ruleID}
func RuleLockKey(ruleID string) string {
	return LockKey("rule", ruleID)
}

// IdempotencyKey is the cached response for an X-Idempotency-Key.
// Format: adpilot:idempotency:{scope}:{key}
func IdempotencyKey(scope, key string) string {
	return KeyPrefix + ":idempotency:" + scope + ":" + key
}

// epochKey is the fencing counter paired with a lock key.
func epochKey(key string) string {
	return key + ":epoch"
}

// IsEpochKey reports whether key is a fencing counter rather than a lock.
func IsEpochKey(key string) bool {
	return strings.HasSuffix(key, ":epoch")
}
