package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/store"
)

// RunGuard ensures at most one run per key (a rule id) is in flight. Both the
// scheduled path and the manual execute endpoint acquire it.
//
// With a Coordinator the guard also takes a distributed lease on
// store.RuleLockKey(key), renewed while the run is in progress, so two
// replicas never run the same rule concurrently.
type RunGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}

	coord   store.Coordinator
	ownerID string
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewRunGuard creates a guard. coord may be nil for a single-node deployment.
func NewRunGuard(coord store.Coordinator, ownerID string, ttl time.Duration, logger zerolog.Logger) *RunGuard {
	return &RunGuard{
		inflight: make(map[string]struct{}),
		coord:    coord,
		ownerID:  ownerID,
		ttl:      ttl,
		logger:   logger.With().Str("component", "run_guard").Logger(),
	}
}

// Acquire claims key. The returned release func must be called exactly once
// when the run finishes. A key already held here or by another replica
// fails with store.ErrRunInProgress.
func (g *RunGuard) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	if _, busy := g.inflight[key]; busy {
		g.mu.Unlock()
		return nil, fmt.Errorf("rule %s: %w", key, store.ErrRunInProgress)
	}
	g.inflight[key] = struct{}{}
	g.mu.Unlock()

	local := func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
	}

	if g.coord == nil {
		return local, nil
	}

	lockKey := store.RuleLockKey(key)
	ok, err := g.coord.AcquireLock(ctx, lockKey, g.ownerID, g.ttl)
	if err != nil {
		local()
		return nil, fmt.Errorf("acquire rule lease %s: %w", key, err)
	}
	if !ok {
		local()
		return nil, fmt.Errorf("rule %s (held by another replica): %w", key, store.ErrRunInProgress)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.renew(lockKey, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.coord.ReleaseLock(relCtx, lockKey, g.ownerID); err != nil {
				g.logger.Warn().Err(err).Str("rule_id", key).Msg("failed to release rule lease")
			}
			local()
		})
	}, nil
}

func (g *RunGuard) renew(lockKey string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := g.coord.RenewLock(ctx, lockKey, g.ownerID, g.ttl)
			cancel()
			if err != nil || !ok {
				g.logger.Warn().Err(err).Str("lock", lockKey).Msg("rule lease renewal failed")
			}
		}
	}
}

// Running reports whether key is held by this replica.
func (g *RunGuard) Running(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[key]
	return ok
}
