package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/breaker"
	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/internal/monitor"
	"github.com/grichardomi/nexusmeme-sub003/internal/ratelimit"
	"github.com/grichardomi/nexusmeme-sub003/pkg/cache"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// Store is the read surface the operational endpoints need.
// *db.Database satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id string) (*db.Job, error)
	JobStats(ctx context.Context) (*db.QueueStats, error)
}

// RedisPinger is the slice of the Redis client the health check uses.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Server wires the operational HTTP endpoints around the queue manager.
type Server struct {
	Router   *gin.Engine
	Jobs     *jobs.Manager
	Breakers *breaker.Manager
	Limits   *ratelimit.Registry
	Store    Store
	Redis    RedisPinger
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Prices   *cache.PriceCache
	Log      *logrus.Entry
	Meta     SystemMeta

	started time.Time
	srv     *http.Server
}

// SystemMeta describes runtime status exposed on /api/v1/system/status.
type SystemMeta struct {
	Version    string
	InstanceID string
	Mode       string // paper or live
	Pairs      []string
	MockFeed   bool
}

func NewServer(mgr *jobs.Manager, breakers *breaker.Manager, limits *ratelimit.Registry, store Store, rdb RedisPinger, bus *events.Bus, metrics *monitor.Metrics, prices *cache.PriceCache, log *logrus.Entry, meta SystemMeta) *Server {
	r := gin.New()

	// Recovery runs first so every later middleware is covered, and the
	// logger needs the request ID already set.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, metrics))
	r.Use(RateLimitMiddleware(log))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		Jobs:     mgr,
		Breakers: breakers,
		Limits:   limits,
		Store:    store,
		Redis:    rdb,
		Bus:      bus,
		Metrics:  metrics,
		Prices:   prices,
		Log:      log,
		Meta:     meta,
		started:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/system/status", s.getSystemStatus)

		api.POST("/jobs", s.createJob)
		api.GET("/jobs/:id", s.getJob)
		api.GET("/queue/stats", s.getQueueStats)

		api.GET("/breakers", s.listBreakers)
		api.POST("/breakers/:name/reset", s.resetBreaker)

		api.GET("/limits", s.getLimits)
		api.GET("/prices", s.getPrices)
	}
}

// Start blocks serving on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
