package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// Store is the persistence surface the manager needs. *db.Database
// satisfies it; tests substitute an in-memory implementation.
type Store interface {
	InsertJob(ctx context.Context, j *db.Job) error
	FindActiveJobByDedupeKey(ctx context.Context, key string) (string, error)
	GetJob(ctx context.Context, id string) (*db.Job, error)
	DueJobs(ctx context.Context, limit int) ([]*db.Job, error)
	ClaimJob(ctx context.Context, id, claimedBy string) (*db.Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastErr string) error
	FailJob(ctx context.Context, id, lastErr string) error
	JobStats(ctx context.Context) (*db.QueueStats, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}
