package rollup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
	"github.com/itskum47/adpilot/control_plane/streaming"
)

// RetentionStore is the write side the compactor needs.
type RetentionStore interface {
	ListSnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*store.MetricSnapshot, error)
	FoldSnapshots(ctx context.Context, rollups []*store.DailyMetric, snapshotIDs []string) error
}

// Compactor folds snapshots older than the retention window into daily
// rollups. Folding is additive, so the per-key sum of snapshot and rollup
// counters is unchanged by a compaction.
type Compactor struct {
	store  RetentionStore
	days   int
	batch  int
	events streaming.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewCompactor(s RetentionStore, cfg config.Retention, events streaming.Publisher, logger zerolog.Logger) *Compactor {
	if cfg.Days <= 0 {
		cfg.Days = 90
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}
	return &Compactor{
		store:  s,
		days:   cfg.Days,
		batch:  cfg.BatchSize,
		events: events,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}
}

// RetentionCutoff is the instant before which snapshots are compacted into
// daily rollups.
func RetentionCutoff(now time.Time, days int) time.Time {
	return now.UTC().AddDate(0, 0, -days)
}

// DailyID is the rollup id for a grouping key. Empty ids are written as 0.
func DailyID(userID, accountID string, date time.Time, campaignID, adSetID, adID string) string {
	return fmt.Sprintf("dm_%s_%s_%s_%s_%s_%s",
		userID, accountID, date.UTC().Format("2006-01-02"),
		orZero(campaignID), orZero(adSetID), orZero(adID))
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// Group sums snapshots per (user, account, campaign, ad set, ad, UTC day).
// The result is ordered by id.
func Group(snaps []*store.MetricSnapshot) []*store.DailyMetric {
	byID := make(map[string]*store.DailyMetric)
	for _, s := range snaps {
		day := s.TS.UTC().Truncate(24 * time.Hour)
		id := DailyID(s.UserID, s.AdAccountID, day, s.CampaignID, s.AdSetID, s.AdID)
		d, ok := byID[id]
		if !ok {
			d = &store.DailyMetric{
				ID:          id,
				UserID:      s.UserID,
				AdAccountID: s.AdAccountID,
				CampaignID:  s.CampaignID,
				AdSetID:     s.AdSetID,
				AdID:        s.AdID,
				Date:        day,
			}
			byID[id] = d
		}
		d.Add(s.MetricCounters)
	}

	out := make([]*store.DailyMetric, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Compact processes one batch and returns the number of snapshots consumed.
func (c *Compactor) Compact(ctx context.Context) (int, error) {
	cutoff := RetentionCutoff(c.now(), c.days)
	snaps, err := c.store.ListSnapshotsBefore(ctx, cutoff, c.batch)
	if err != nil {
		return 0, fmt.Errorf("list snapshots before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	if err := c.store.FoldSnapshots(ctx, Group(snaps), ids); err != nil {
		return 0, fmt.Errorf("fold %d snapshots: %w", len(snaps), err)
	}
	observability.SnapshotsCompacted.Add(float64(len(snaps)))
	return len(snaps), nil
}

// Drain repeats Compact until a batch consumes nothing.
func (c *Compactor) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := c.Compact(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}

	if total > 0 {
		c.logger.Info().Int("snapshots", total).Msg("aggregated old snapshots")
		if c.events != nil {
			payload := map[string]int{"snapshots": total}
			if err := c.events.Publish(ctx, streaming.TopicRetentionCompacted, payload); err != nil {
				c.logger.Warn().Err(err).Msg("failed to publish retention event")
			}
		}
	}
	return total, nil
}
