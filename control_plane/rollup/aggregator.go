// Package rollup aggregates ad metrics over look-back windows and compacts
// old snapshots into daily rollups.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/adpilot/control_plane/store"
)

// MetricsReader is the read side the aggregator needs.
type MetricsReader interface {
	GetEntityByMetaID(ctx context.Context, accountID, kind, metaID string) (*store.Entity, error)
	ListSnapshotsForAd(ctx context.Context, accountID, adID string, since time.Time) ([]*store.MetricSnapshot, error)
	ListDailyMetricsForAd(ctx context.Context, accountID, adID string, since time.Time) ([]*store.DailyMetric, error)
}

// Aggregator sums snapshots and daily rollups of one ad.
type Aggregator struct {
	store MetricsReader
	now   func() time.Time
}

func NewAggregator(s MetricsReader) *Aggregator {
	return &Aggregator{store: s, now: time.Now}
}

// Lifetime returns the metrics of the ad with Meta id metaAdID over the last
// months months. Snapshots count from the exact cutoff; daily rollups from
// the UTC day containing it.
//
// An ad missing from the entity registry yields incomplete data rather than
// an error.
func (a *Aggregator) Lifetime(ctx context.Context, accountID, metaAdID string, months int) (store.AdMetrics, error) {
	ent, err := a.store.GetEntityByMetaID(ctx, accountID, store.EntityAd, metaAdID)
	if errors.Is(err, store.ErrNotFound) {
		return store.AdMetrics{}, nil
	}
	if err != nil {
		return store.AdMetrics{}, fmt.Errorf("lookup ad %s: %w", metaAdID, err)
	}

	cutoff := a.now().UTC().AddDate(0, -months, 0)
	dayCutoff := cutoff.Truncate(24 * time.Hour)

	snaps, err := a.store.ListSnapshotsForAd(ctx, accountID, ent.ID, cutoff)
	if err != nil {
		return store.AdMetrics{}, fmt.Errorf("snapshots for ad %s: %w", ent.ID, err)
	}
	dailies, err := a.store.ListDailyMetricsForAd(ctx, accountID, ent.ID, dayCutoff)
	if err != nil {
		return store.AdMetrics{}, fmt.Errorf("daily metrics for ad %s: %w", ent.ID, err)
	}

	var total store.MetricCounters
	for _, s := range snaps {
		total.Add(s.MetricCounters)
	}
	for _, d := range dailies {
		total.Add(d.MetricCounters)
	}
	return Summarize(total), nil
}

// Summarize derives cost per result (major units) and completeness from
// summed counters.
func Summarize(c store.MetricCounters) store.AdMetrics {
	m := store.AdMetrics{
		LifetimeImpressions: c.Impressions,
		SpendMinor:          c.SpendMinor,
		Conversions:         c.Conversions,
		HasCompleteData:     c.Impressions > 0 || c.SpendMinor > 0,
	}
	if c.Conversions > 0 {
		m.CostPerResult = (float64(c.SpendMinor) / 100) / float64(c.Conversions)
	}
	return m
}
