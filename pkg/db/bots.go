package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const botColumns = `id, user_id, name, exchange, pair, status, mode,
	connection_verified, last_validated_at, created_at, updated_at`

func scanBot(row pgx.Row) (*BotInstance, error) {
	b := &BotInstance{}
	err := row.Scan(
		&b.ID, &b.UserID, &b.Name, &b.Exchange, &b.Pair, &b.Status, &b.Mode,
		&b.ConnectionVerified, &b.LastValidatedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

// GetBot fetches one bot instance by ID.
func (d *Database) GetBot(ctx context.Context, id string) (*BotInstance, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bot_instances WHERE id = $1`, id)
	return scanBot(row)
}

// TransitionBotStatus moves a bot from one of the allowed source statuses to
// the target. Returns false when the bot was in none of them, so a suspend
// of an already-suspended bot is a visible no-op rather than an error.
func (d *Database) TransitionBotStatus(ctx context.Context, id, target string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}
	tag, err := d.Pool.Exec(ctx, `
		UPDATE bot_instances
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, target, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition bot %s to %s: %w", id, target, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkConnectionValidated records the outcome of a credential check.
func (d *Database) MarkConnectionValidated(ctx context.Context, id string, ok bool, at time.Time) error {
	_, err := d.Pool.Exec(ctx, `
		UPDATE bot_instances
		SET connection_verified = $2, last_validated_at = $3, updated_at = NOW()
		WHERE id = $1`, id, ok, at,
	)
	return err
}

// InsertBotEvent appends an audit row for a bot action.
func (d *Database) InsertBotEvent(ctx context.Context, botID, action, reason, actor string) error {
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO bot_events (id, bot_instance_id, action, reason, actor)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''))`,
		uuid.NewString(), botID, action, reason, actor,
	)
	return err
}

// BotEvents lists the latest audit rows for a bot, newest first.
func (d *Database) BotEvents(ctx context.Context, botID string, limit int) ([]BotEvent, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT id, bot_instance_id, action, COALESCE(reason,''), COALESCE(actor,''), created_at
		FROM bot_events WHERE bot_instance_id = $1
		ORDER BY created_at DESC LIMIT $2`, botID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BotEvent
	for rows.Next() {
		var e BotEvent
		if err := rows.Scan(&e.ID, &e.BotInstanceID, &e.Action, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCredentials loads the encrypted API keys for a user on a venue.
func (d *Database) GetCredentials(ctx context.Context, userID, exchange string) (*ExchangeCredential, error) {
	c := &ExchangeCredential{}
	err := d.Pool.QueryRow(ctx, `
		SELECT user_id, exchange, api_key_enc, api_secret_enc, updated_at
		FROM exchange_credentials WHERE user_id = $1 AND exchange = $2`,
		userID, exchange,
	).Scan(&c.UserID, &c.Exchange, &c.APIKeyEnc, &c.APISecretEnc, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// UpsertCredentials stores already-encrypted API keys for a user on a venue.
func (d *Database) UpsertCredentials(ctx context.Context, c *ExchangeCredential) error {
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO exchange_credentials (user_id, exchange, api_key_enc, api_secret_enc, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, exchange) DO UPDATE SET
			api_key_enc = EXCLUDED.api_key_enc,
			api_secret_enc = EXCLUDED.api_secret_enc,
			updated_at = NOW()`,
		c.UserID, c.Exchange, c.APIKeyEnc, c.APISecretEnc,
	)
	return err
}
