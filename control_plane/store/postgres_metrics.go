package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const snapshotColumns = `id, user_id, ad_account_id, campaign_id, ad_set_id, ad_id, ts, impressions, clicks, spend_minor, conversions`
const dailyColumns = `id, user_id, ad_account_id, campaign_id, ad_set_id, ad_id, date, impressions, clicks, spend_minor, conversions`

func scanSnapshot(row scannable) (*MetricSnapshot, error) {
	var m MetricSnapshot
	if err := row.Scan(&m.ID, &m.UserID, &m.AdAccountID, &m.CampaignID, &m.AdSetID, &m.AdID, &m.TS,
		&m.Impressions, &m.Clicks, &m.SpendMinor, &m.Conversions); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanDaily(row scannable) (*DailyMetric, error) {
	var d DailyMetric
	if err := row.Scan(&d.ID, &d.UserID, &d.AdAccountID, &d.CampaignID, &d.AdSetID, &d.AdID, &d.Date,
		&d.Impressions, &d.Clicks, &d.SpendMinor, &d.Conversions); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectSnapshots(rows pgx.Rows) ([]*MetricSnapshot, error) {
	defer rows.Close()
	out := make([]*MetricSnapshot, 0)
	for rows.Next() {
		m, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, m *MetricSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metric_snapshots (`+snapshotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			impressions = EXCLUDED.impressions,
			clicks = EXCLUDED.clicks,
			spend_minor = EXCLUDED.spend_minor,
			conversions = EXCLUDED.conversions`,
		m.ID, m.UserID, m.AdAccountID, m.CampaignID, m.AdSetID, m.AdID, m.TS,
		m.Impressions, m.Clicks, m.SpendMinor, m.Conversions)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*MetricSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM metric_snapshots WHERE ts < $1 ORDER BY ts, id LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list old snapshots: %w", err)
	}
	return collectSnapshots(rows)
}

// FoldSnapshots adds the rollups and deletes the consumed snapshots in one
// transaction, so a crash between the two cannot double count.
func (s *PostgresStore) FoldSnapshots(ctx context.Context, rollups []*DailyMetric, snapshotIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fold: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, d := range rollups {
		batch.Queue(
			`INSERT INTO daily_metrics (`+dailyColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO UPDATE SET
				impressions = daily_metrics.impressions + EXCLUDED.impressions,
				clicks = daily_metrics.clicks + EXCLUDED.clicks,
				spend_minor = daily_metrics.spend_minor + EXCLUDED.spend_minor,
				conversions = daily_metrics.conversions + EXCLUDED.conversions`,
			d.ID, d.UserID, d.AdAccountID, d.CampaignID, d.AdSetID, d.AdID, d.Date,
			d.Impressions, d.Clicks, d.SpendMinor, d.Conversions)
	}
	batch.Queue(`DELETE FROM metric_snapshots WHERE id = ANY($1)`, snapshotIDs)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("fold snapshots: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fold: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshotsForAd(ctx context.Context, accountID, adID string, since time.Time) ([]*MetricSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM metric_snapshots
		 WHERE ad_account_id = $1 AND ad_id = $2 AND ts >= $3`,
		accountID, adID, since)
	if err != nil {
		return nil, fmt.Errorf("list ad snapshots: %w", err)
	}
	return collectSnapshots(rows)
}

func (s *PostgresStore) ListDailyMetricsForAd(ctx context.Context, accountID, adID string, since time.Time) ([]*DailyMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+dailyColumns+` FROM daily_metrics
		 WHERE ad_account_id = $1 AND ad_id = $2 AND date >= $3::date`,
		accountID, adID, since)
	if err != nil {
		return nil, fmt.Errorf("list ad rollups: %w", err)
	}
	defer rows.Close()

	out := make([]*DailyMetric, 0)
	for rows.Next() {
		d, err := scanDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDailyMetric(ctx context.Context, id string) (*DailyMetric, error) {
	d, err := scanDaily(s.pool.QueryRow(ctx, `SELECT `+dailyColumns+` FROM daily_metrics WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get daily metric %s", id)
	}
	return d, nil
}
