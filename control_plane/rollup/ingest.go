package rollup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/adpilot/control_plane/store"
)

// Ingest scopes accepted from agents.
const (
	ScopeAd       = "AD"
	ScopeAdSet    = "AD_SET"
	ScopeCampaign = "CAMPAIGN"
)

// IngestStore is the write side of metrics ingestion.
type IngestStore interface {
	EnsureEntity(ctx context.Context, e *store.Entity) (*store.Entity, error)
	InsertSnapshot(ctx context.Context, s *store.MetricSnapshot) error
}

// IngestItem is one entity's counters in an agent report.
type IngestItem struct {
	MetaID      string `json:"meta_id"`
	Impressions int64  `json:"impressions"`
	Clicks      int64  `json:"clicks"`
	SpendMinor  int64  `json:"spend_minor"`
	Conversions int64  `json:"conversions"`
}

// IngestBatch is the body of POST /agents/{id}/metrics.
type IngestBatch struct {
	AdAccountID string       `json:"ad_account_id"`
	TS          time.Time    `json:"ts"`
	Scope       string       `json:"scope"`
	Items       []IngestItem `json:"items"`
}

var scopeKinds = map[string]string{
	ScopeAd:       store.EntityAd,
	ScopeAdSet:    store.EntityAdSet,
	ScopeCampaign: store.EntityCampaign,
}

// Validate checks the batch shape.
func (b *IngestBatch) Validate() error {
	if b.AdAccountID == "" {
		return fmt.Errorf("ad_account_id is required: %w", store.ErrValidation)
	}
	if b.TS.IsZero() {
		return fmt.Errorf("ts is required: %w", store.ErrValidation)
	}
	if _, ok := scopeKinds[b.Scope]; !ok {
		return fmt.Errorf("scope must be one of AD, AD_SET, CAMPAIGN: %w", store.ErrValidation)
	}
	for i, it := range b.Items {
		if strings.TrimSpace(it.MetaID) == "" {
			return fmt.Errorf("items[%d]: meta_id is required: %w", i, store.ErrValidation)
		}
		if it.Impressions < 0 || it.Clicks < 0 || it.SpendMinor < 0 || it.Conversions < 0 {
			return fmt.Errorf("items[%d]: counters must not be negative: %w", i, store.ErrValidation)
		}
	}
	return nil
}

// EntityID is the registry id of a Meta object seen in metrics.
func EntityID(kind, metaID string) string {
	return strings.ToLower(kind) + "_" + metaID
}

// SnapshotID keys a snapshot by account, Meta object and second, so a
// re-sent report replaces rather than duplicates.
func SnapshotID(accountID, metaID string, ts time.Time) string {
	return fmt.Sprintf("ms_%s_%s_%d", accountID, metaID, ts.Unix())
}

// Ingest registers any unseen entities and writes one snapshot per item.
// It returns the number of snapshots written.
//
// Reports timestamped before notBefore are refused: that range may already
// be folded into daily rollups, and a fresh snapshot there would be counted
// twice.
func Ingest(ctx context.Context, s IngestStore, acc *store.AdAccount, b *IngestBatch, notBefore time.Time) (int, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	kind := scopeKinds[b.Scope]
	ts := b.TS.UTC()
	if ts.Before(notBefore) {
		return 0, fmt.Errorf("ts %s is older than the retention cutoff %s: %w",
			ts.Format(time.RFC3339), notBefore.UTC().Format(time.RFC3339), store.ErrValidation)
	}

	for i, it := range b.Items {
		ent, err := s.EnsureEntity(ctx, &store.Entity{
			ID:          EntityID(kind, it.MetaID),
			Kind:        kind,
			UserID:      acc.UserID,
			AdAccountID: acc.ID,
			MetaID:      it.MetaID,
			Name:        it.MetaID,
			Status:      "UNKNOWN",
		})
		if err != nil {
			return i, fmt.Errorf("register %s %s: %w", kind, it.MetaID, err)
		}

		snap := &store.MetricSnapshot{
			ID:          SnapshotID(acc.ID, it.MetaID, ts),
			UserID:      acc.UserID,
			AdAccountID: acc.ID,
			TS:          ts,
			MetricCounters: store.MetricCounters{
				Impressions: it.Impressions,
				Clicks:      it.Clicks,
				SpendMinor:  it.SpendMinor,
				Conversions: it.Conversions,
			},
		}
		switch kind {
		case store.EntityAd:
			snap.AdID = ent.ID
		case store.EntityAdSet:
			snap.AdSetID = ent.ID
		case store.EntityCampaign:
			snap.CampaignID = ent.ID
		}
		if err := s.InsertSnapshot(ctx, snap); err != nil {
			return i, fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
		}
	}
	return len(b.Items), nil
}
