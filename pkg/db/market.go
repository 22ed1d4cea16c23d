package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UpsertMarketSnapshots batch-writes closed candles; re-synced candles
// overwrite in place so reruns are harmless.
func (d *Database) UpsertMarketSnapshots(ctx context.Context, snaps []MarketSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range snaps {
		batch.Queue(`
			INSERT INTO market_snapshots (pair, interval, open, high, low, close, volume, close_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (pair, interval, close_time) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume`,
			s.Pair, s.Interval, s.Open, s.High, s.Low, s.Close, s.Volume, s.CloseTime,
		)
	}

	results := d.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range snaps {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
	}
	return nil
}

// RecentCloses returns up to n closing prices for a pair/interval, oldest first.
func (d *Database) RecentCloses(ctx context.Context, pair, interval string, n int) ([]float64, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT close FROM (
			SELECT close, close_time FROM market_snapshots
			WHERE pair = $1 AND interval = $2
			ORDER BY close_time DESC LIMIT $3
		) recent ORDER BY close_time ASC`, pair, interval, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		closes = append(closes, c)
	}
	return closes, rows.Err()
}

// InsertRegime appends a classification result.
func (d *Database) InsertRegime(ctx context.Context, r *MarketRegime) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO market_regimes (id, pair, regime, confidence, computed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Pair, r.Regime, r.Confidence, r.ComputedAt,
	)
	return err
}

// LatestRegime returns the newest classification for a pair.
func (d *Database) LatestRegime(ctx context.Context, pair string) (*MarketRegime, error) {
	r := &MarketRegime{}
	err := d.Pool.QueryRow(ctx, `
		SELECT id, pair, regime, confidence, computed_at
		FROM market_regimes WHERE pair = $1
		ORDER BY computed_at DESC LIMIT 1`, pair,
	).Scan(&r.ID, &r.Pair, &r.Regime, &r.Confidence, &r.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}
