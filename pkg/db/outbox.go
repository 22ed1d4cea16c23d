package db

import (
	"context"
	"encoding/json"
	"time"
)

// EnqueueEmail parks a notification in the outbox for a later send attempt.
func (d *Database) EnqueueEmail(ctx context.Context, m *EmailMessage) error {
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO email_outbox (id, recipient, template, payload)
		VALUES ($1, $2, $3, COALESCE($4, '{}'::jsonb))`,
		m.ID, m.Recipient, m.Template, m.Payload,
	)
	return err
}

// PendingEmails returns the oldest queued messages up to limit.
func (d *Database) PendingEmails(ctx context.Context, limit int) ([]EmailMessage, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT id, recipient, template, payload, status, attempts, COALESCE(last_error,''), created_at, sent_at
		FROM email_outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmailMessage
	for rows.Next() {
		var m EmailMessage
		var payload []byte
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Template, &payload, &m.Status,
			&m.Attempts, &m.LastError, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkEmailSent finalizes a delivered message.
func (d *Database) MarkEmailSent(ctx context.Context, id string, at time.Time) error {
	_, err := d.Pool.Exec(ctx,
		`UPDATE email_outbox SET status = 'sent', sent_at = $2, attempts = attempts + 1 WHERE id = $1`,
		id, at,
	)
	return err
}

// MarkEmailFailed records a failed attempt; the message is parked as failed
// once maxAttempts is reached, otherwise it stays pending for the next drain.
func (d *Database) MarkEmailFailed(ctx context.Context, id, reason string, maxAttempts int) error {
	_, err := d.Pool.Exec(ctx, `
		UPDATE email_outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END
		WHERE id = $1`, id, reason, maxAttempts,
	)
	return err
}
