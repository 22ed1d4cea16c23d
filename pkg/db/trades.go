package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const tradeColumns = `id, bot_instance_id, user_id, pair, side, amount, entry_price, exit_price,
	status, COALESCE(exchange_order_id,''), idempotency_key, pyramid_levels, realized_pnl,
	opened_at, closed_at, created_at, updated_at`

func scanTrade(row pgx.Row) (*Trade, error) {
	t := &Trade{}
	var levels []byte
	err := row.Scan(
		&t.ID, &t.BotInstanceID, &t.UserID, &t.Pair, &t.Side, &t.Amount, &t.EntryPrice, &t.ExitPrice,
		&t.Status, &t.ExchangeOrderID, &t.IdempotencyKey, &levels, &t.RealizedPnL,
		&t.OpenedAt, &t.ClosedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(levels) > 0 {
		if err := json.Unmarshal(levels, &t.PyramidLevels); err != nil {
			return nil, fmt.Errorf("decode pyramid levels for trade %s: %w", t.ID, err)
		}
	}
	return t, nil
}

// InsertTradeIdempotent writes a trade unless its idempotency key already
// exists. On conflict it returns inserted=false together with the existing
// row, so callers can report already_executed instead of erroring.
func (d *Database) InsertTradeIdempotent(ctx context.Context, t *Trade) (bool, *Trade, error) {
	levels, err := marshalLevels(t.PyramidLevels)
	if err != nil {
		return false, nil, err
	}

	var id string
	err = d.Pool.QueryRow(ctx, `
		INSERT INTO trades (id, bot_instance_id, user_id, pair, side, amount, entry_price,
			status, exchange_order_id, idempotency_key, pyramid_levels, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9,''), $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		t.ID, t.BotInstanceID, t.UserID, t.Pair, t.Side, t.Amount, t.EntryPrice,
		t.Status, t.ExchangeOrderID, t.IdempotencyKey, levels, t.OpenedAt,
	).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := d.GetTradeByIdempotencyKey(ctx, t.IdempotencyKey)
		if lookupErr != nil {
			return false, nil, fmt.Errorf("load conflicting trade: %w", lookupErr)
		}
		return false, existing, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("insert trade: %w", err)
	}
	return true, nil, nil
}

// GetTrade fetches one trade by ID.
func (d *Database) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	return scanTrade(row)
}

// GetTradeByIdempotencyKey fetches the trade recorded under a key.
func (d *Database) GetTradeByIdempotencyKey(ctx context.Context, key string) (*Trade, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE idempotency_key = $1`, key)
	return scanTrade(row)
}

// OpenTradeSince returns the most recent open trade for (bot, pair, side)
// opened at or after the cutoff, or ErrNotFound. Backs the duplicate window.
func (d *Database) OpenTradeSince(ctx context.Context, botID, pair, side string, since time.Time) (*Trade, error) {
	row := d.Pool.QueryRow(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE bot_instance_id = $1 AND pair = $2 AND side = $3
		  AND status = 'open' AND opened_at >= $4
		ORDER BY opened_at DESC
		LIMIT 1`, botID, pair, side, since,
	)
	return scanTrade(row)
}

// UpdateTradePyramid stores the post-scale-in state: summed amount, blended
// entry price, and the mutated level list.
func (d *Database) UpdateTradePyramid(ctx context.Context, id string, amount, entryPrice float64, levels []PyramidLevel) error {
	data, err := marshalLevels(levels)
	if err != nil {
		return err
	}
	_, err = d.Pool.Exec(ctx, `
		UPDATE trades
		SET amount = $2, entry_price = $3, pyramid_levels = $4, updated_at = NOW()
		WHERE id = $1`, id, amount, entryPrice, data,
	)
	return err
}

func marshalLevels(levels []PyramidLevel) ([]byte, error) {
	if levels == nil {
		return nil, nil
	}
	data, err := json.Marshal(levels)
	if err != nil {
		return nil, fmt.Errorf("encode pyramid levels: %w", err)
	}
	return data, nil
}
