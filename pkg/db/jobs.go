package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, job_type, payload, priority, status, retries, max_retries,
	run_after, COALESCE(dedupe_key,''), COALESCE(claimed_by,''), COALESCE(last_error,''),
	result, created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	err := row.Scan(
		&j.ID, &j.Type, &j.Payload, &j.Priority, &j.Status, &j.Retries, &j.MaxRetries,
		&j.RunAfter, &j.DedupeKey, &j.ClaimedBy, &j.LastError,
		&j.Result, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// InsertJob persists a new job. ID, status and run_after must be set by the caller.
func (d *Database) InsertJob(ctx context.Context, j *Job) error {
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO job_queue (id, job_type, payload, priority, status, retries, max_retries, run_after, dedupe_key)
		VALUES ($1, $2, COALESCE($3, '{}'::jsonb), $4, $5, $6, $7, $8, NULLIF($9, ''))`,
		j.ID, j.Type, j.Payload, j.Priority, j.Status, j.Retries, j.MaxRetries, j.RunAfter, j.DedupeKey,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// FindActiveJobByDedupeKey returns the ID of a not-yet-finished job carrying
// the key, or "" when none exists. Used to collapse scheduled duplicates.
func (d *Database) FindActiveJobByDedupeKey(ctx context.Context, key string) (string, error) {
	var id string
	err := d.Pool.QueryRow(ctx, `
		SELECT id FROM job_queue
		WHERE dedupe_key = $1 AND status IN ('pending','retrying','processing')
		LIMIT 1`, key,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// GetJob fetches one job by ID.
func (d *Database) GetJob(ctx context.Context, id string) (*Job, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id)
	return scanJob(row)
}

// DueJobs returns up to limit runnable jobs, highest priority first and
// oldest first within a priority. Jobs scheduled for the future stay out
// of the batch until run_after passes.
func (d *Database) DueJobs(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM job_queue
		WHERE status IN ('pending','retrying') AND run_after <= NOW()
		ORDER BY priority DESC, created_at ASC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimJob flips one job to processing if it is still claimable.
// It returns (nil, nil) when another instance won the race.
func (d *Database) ClaimJob(ctx context.Context, id, claimedBy string) (*Job, error) {
	row := d.Pool.QueryRow(ctx, `
		UPDATE job_queue
		SET status = 'processing', claimed_by = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending','retrying')
		RETURNING `+jobColumns, id, claimedBy,
	)
	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return j, err
}

// CompleteJob records a successful outcome.
func (d *Database) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	_, err := d.Pool.Exec(ctx, `
		UPDATE job_queue
		SET status = 'completed', result = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, result,
	)
	return err
}

// RescheduleJob consumes one retry and parks the job until runAfter.
func (d *Database) RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastErr string) error {
	_, err := d.Pool.Exec(ctx, `
		UPDATE job_queue
		SET status = 'retrying', retries = retries + 1, run_after = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`, id, runAfter, lastErr,
	)
	return err
}

// FailJob marks a job permanently failed, keeping the last error for inspection.
func (d *Database) FailJob(ctx context.Context, id, lastErr string) error {
	_, err := d.Pool.Exec(ctx, `
		UPDATE job_queue
		SET status = 'failed', last_error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, lastErr,
	)
	return err
}

// JobStats aggregates queue depth for the operational API.
func (d *Database) JobStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}

	rows, err := d.Pool.Query(ctx, `SELECT status, job_type, COUNT(*) FROM job_queue GROUP BY status, job_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] += n
		if status == JobPending || status == JobRetrying || status == JobProcessing {
			stats.ByType[typ] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest *time.Time
	err = d.Pool.QueryRow(ctx,
		`SELECT MIN(created_at) FROM job_queue WHERE status IN ('pending','retrying')`,
	).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	stats.Oldest = oldest
	return stats, nil
}

// RequeueStale returns jobs stuck in processing beyond the threshold to the
// pending pool. Covers workers that died mid-job without releasing the claim.
func (d *Database) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := d.Pool.Exec(ctx, `
		UPDATE job_queue
		SET status = 'pending', claimed_by = NULL, updated_at = NOW(),
		    last_error = 'requeued: claim expired'
		WHERE status = 'processing' AND started_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
