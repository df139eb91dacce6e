package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
)

// LockMetadata is the JSON value stored in every lease. The janitor reads it
// to fence and reclaim abandoned leases.
type LockMetadata struct {
	OwnerPod  string    `json:"owner_pod"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderElector keeps at most one control plane node in charge of the
// periodic jobs. Followers keep serving the API.
type LeaderElector struct {
	coordinator  store.Coordinator
	nodeID       string
	lockKey      string
	ttl          time.Duration
	logger       zerolog.Logger
	leaderCtx    context.Context // valid only while leader
	leaderCancel context.CancelFunc

	mu           sync.RWMutex
	isLeader     bool
	currentValue string // the exact JSON held in the lease
	currentEpoch int64

	onElected func(context.Context)
	onLost    func()

	stepDownTime time.Time
	transitions  int64
}

type LeaderState struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

// FencedContext returns a context that is cancelled when leadership is lost.
// It carries the fencing epoch.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

// GetEpochFromContext extracts the fencing epoch from a context.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	epoch, ok := ctx.Value(fencingEpochKey).(int64)
	return epoch, ok
}

func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

func NewLeaderElector(c store.Coordinator, nodeID string, ttl time.Duration, logger zerolog.Logger) *LeaderElector {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LeaderElector{
		coordinator: c,
		nodeID:      nodeID,
		lockKey:     store.LeaderLockKey(),
		ttl:         ttl,
		logger:      logger.With().Str("component", "leader").Str("node_id", nodeID).Logger(),
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	// First attempt is immediate so a single node does not idle for ttl/3.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
				l.stepDown()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					l.logger.Warn().Err(err).Int("failures", renewFailures).Msg("lease renew failed")
					if renewFailures >= maxRenewFailures {
						l.logger.Error().Msg("too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				l.logger.Debug().Dur("backoff", interval).Msg("coordination error, backing off")
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// acquire stamps the lease with the next epoch and only increments the
// counter once the lease is held, so a lease carrying an epoch below the
// counter always belongs to a superseded leader.
func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	current, err := l.coordinator.GetEpoch(ctx, l.lockKey)
	if err != nil {
		return false, err
	}
	next := current + 1

	now := time.Now()
	meta := LockMetadata{
		OwnerPod:  l.nodeID,
		Epoch:     next,
		ReqID:     uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(raw)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to acquire lease")
		return false, err
	}
	if !acquired {
		return false, nil
	}

	epoch, err := l.coordinator.IncrementEpoch(ctx, l.lockKey)
	if err != nil || epoch != next {
		l.logger.Warn().Err(err).Int64("expected", next).Int64("epoch", epoch).Msg("epoch moved while acquiring, releasing lease")
		_ = l.coordinator.ReleaseLease(ctx, l.lockKey, val)
		if err == nil {
			observability.LeadershipTransitions.WithLabelValues(l.nodeID, "epoch_drift").Inc()
		}
		return false, err
	}

	l.mu.Lock()
	l.currentEpoch = epoch
	l.currentValue = val
	l.mu.Unlock()
	return true, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()

	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.Lock()
	val := l.currentValue
	l.currentValue = ""
	l.mu.Unlock()

	if val == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, l.lockKey, val); err != nil {
		l.logger.Warn().Err(err).Msg("failed to release lease")
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.transitions++
	l.leaderCtx = context.WithValue(ctx, fencingEpochKey, l.currentEpoch)
	epoch := l.currentEpoch

	if !l.stepDownTime.IsZero() {
		took := time.Since(l.stepDownTime)
		observability.LeadershipTransitionDuration.Observe(took.Seconds())
		l.logger.Info().Int64("epoch", epoch).Dur("transition", took).Msg("became leader")
		l.stepDownTime = time.Time{}
	} else {
		l.logger.Info().Int64("epoch", epoch).Msg("acquired leadership")
	}
	leaderCtx := l.leaderCtx
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	observability.LeaderStatus.Set(1)

	if l.onElected != nil {
		l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()
	l.currentValue = ""
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	l.logger.Warn().Msg("lost leadership")

	if l.onLost != nil {
		l.onLost()
	}
}
