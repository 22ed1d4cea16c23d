package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

type createJobRequest struct {
	Type         string          `json:"type" binding:"required,min=1"`
	Payload      json.RawMessage `json:"payload"`
	Priority     *int            `json:"priority" binding:"omitempty,gte=1,lte=10"`
	MaxRetries   *int            `json:"max_retries" binding:"omitempty,gte=0,lte=10"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
	DedupeKey    string          `json:"dedupe_key" binding:"omitempty,max=255"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// health reports dependency reachability. Postgres down means the core
// cannot claim or record anything, so it fails the check; Redis down
// only degrades rate limiting and regime caching.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := s.Store.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	} else {
		checks["postgres"] = "ok"
	}

	if s.Redis == nil {
		checks["redis"] = "disabled"
	} else if err := s.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
	} else {
		checks["redis"] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	} else if checks["redis"] != "ok" && checks["redis"] != "disabled" {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":     s.Meta.Version,
		"instance_id": s.Meta.InstanceID,
		"mode":        s.Meta.Mode,
		"pairs":       s.Meta.Pairs,
		"mock_feed":   s.Meta.MockFeed,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"inflight":    s.Jobs.Inflight(),
	})
}

// createJob enqueues a job for asynchronous execution.
func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if !s.Jobs.Handles(req.Type) {
		respondError(c, http.StatusBadRequest, "UNKNOWN_JOB_TYPE", "no handler registered for job type "+req.Type)
		return
	}

	var opts []jobs.Option
	if req.Priority != nil {
		opts = append(opts, jobs.WithPriority(*req.Priority))
	}
	if req.MaxRetries != nil {
		opts = append(opts, jobs.WithMaxRetries(*req.MaxRetries))
	}
	if req.ScheduledFor != nil {
		opts = append(opts, jobs.WithRunAfter(*req.ScheduledFor))
	}
	if req.DedupeKey != "" {
		opts = append(opts, jobs.WithDedupeKey(req.DedupeKey))
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	id, err := s.Jobs.Enqueue(c.Request.Context(), req.Type, payload, opts...)
	if err != nil {
		s.Log.WithError(err).WithField("job_type", req.Type).Error("enqueue failed")
		respondError(c, http.StatusInternalServerError, "ENQUEUE_FAILED", "could not enqueue job")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": id,
		"status": db.JobPending,
	})
}

// getJob returns one job row including status, result and last error.
func (s *Server) getJob(c *gin.Context) {
	job, err := s.Store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "no such job")
			return
		}
		s.Log.WithError(err).Error("job lookup failed")
		respondError(c, http.StatusInternalServerError, "LOOKUP_FAILED", "could not load job")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getQueueStats(c *gin.Context) {
	stats, err := s.Store.JobStats(c.Request.Context())
	if err != nil {
		s.Log.WithError(err).Error("queue stats failed")
		respondError(c, http.StatusInternalServerError, "STATS_FAILED", "could not load queue stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"by_status":      stats.ByStatus,
		"by_type":        stats.ByType,
		"oldest_pending": stats.Oldest,
		"inflight":       s.Jobs.Inflight(),
	})
}

func (s *Server) listBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.Breakers.AllStats()})
}

// resetBreaker forces a breaker back to CLOSED. Operational override
// for when the guarded dependency is known to have recovered.
func (s *Server) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	b := s.Breakers.Get(name)
	if b == nil {
		respondError(c, http.StatusNotFound, "UNKNOWN_BREAKER", "no breaker named "+name)
		return
	}
	b.Reset()
	s.Log.WithField("breaker", name).Warn("breaker reset via API")
	c.JSON(http.StatusOK, gin.H{
		"name":  name,
		"state": b.State().String(),
	})
}

func (s *Server) getLimits(c *gin.Context) {
	if s.Limits == nil {
		c.JSON(http.StatusOK, gin.H{"venues": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"venues": s.Limits.Snapshot(c.Request.Context())})
}

func (s *Server) getPrices(c *gin.Context) {
	if s.Prices == nil {
		c.JSON(http.StatusOK, gin.H{"prices": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": s.Prices.Snapshot()})
}
