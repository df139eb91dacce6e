package coordination

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
)

// staleGrace is how long past ExpiresAt a lease may linger before the
// janitor reclaims it.
const staleGrace = 5 * time.Second

// LockJanitor reclaims leases that were fenced by a newer epoch or outlived
// their recorded expiry. Plain locks without LockMetadata are left to their
// TTL.
type LockJanitor struct {
	coordinator store.Coordinator
	logger      zerolog.Logger
	now         func() time.Time
}

func NewLockJanitor(c store.Coordinator, logger zerolog.Logger) *LockJanitor {
	return &LockJanitor{
		coordinator: c,
		logger:      logger.With().Str("component", "janitor").Logger(),
		now:         time.Now,
	}
}

// Clean makes one pass over every lock key and returns how many leases it
// reclaimed.
func (j *LockJanitor) Clean(ctx context.Context) (int, error) {
	keys, err := j.coordinator.ScanLocks(ctx, store.LockPattern())
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, key := range keys {
		if store.IsEpochKey(key) {
			continue
		}

		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			continue
		}

		current, err := j.coordinator.GetEpoch(ctx, key)
		if err != nil {
			j.logger.Warn().Err(err).Str("key", key).Msg("failed to read epoch")
			continue
		}

		reason := ""
		switch {
		case meta.Epoch < current:
			reason = "fenced"
		case j.now().After(meta.ExpiresAt.Add(staleGrace)):
			reason = "stale"
		}
		if reason == "" {
			continue
		}

		if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
			j.logger.Warn().Err(err).Str("key", key).Msg("failed to release lease")
			continue
		}
		reclaimed++
		observability.LocksReclaimed.WithLabelValues(reason).Inc()
		j.logger.Info().Str("key", key).Str("reason", reason).Int64("lease_epoch", meta.Epoch).Int64("current_epoch", current).Msg("reclaimed lease")
	}
	return reclaimed, nil
}
