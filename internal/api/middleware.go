package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/grichardomi/nexusmeme-sub003/internal/monitor"
)

// clientLimiters hands out one token bucket per caller IP and evicts
// entries that have gone quiet. This guards the operational API itself;
// venue rate limiting lives in internal/ratelimit.
type clientLimiters struct {
	mu      sync.Mutex
	perIP   map[string]*clientBucket
	rps     rate.Limit
	burst   int
	maxIdle time.Duration
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(rps rate.Limit, burst int, maxIdle time.Duration) *clientLimiters {
	cl := &clientLimiters{
		perIP:   make(map[string]*clientBucket),
		rps:     rps,
		burst:   burst,
		maxIdle: maxIdle,
	}
	go cl.sweep()
	return cl
}

func (cl *clientLimiters) get(ip string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	b, ok := cl.perIP[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.perIP[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (cl *clientLimiters) sweep() {
	ticker := time.NewTicker(cl.maxIdle)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-cl.maxIdle)
		cl.mu.Lock()
		for ip, b := range cl.perIP {
			if b.lastSeen.Before(cutoff) {
				delete(cl.perIP, ip)
			}
		}
		cl.mu.Unlock()
	}
}

var apiClients = newClientLimiters(20, 50, 5*time.Minute)

// RateLimitMiddleware caps request rate per caller IP.
func RateLimitMiddleware(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !apiClients.get(ip).Allow() {
			log.WithField("ip", ip).Warn("client exceeded API rate limit")
			c.Header("Retry-After", "1")
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware tags every request with an ID, honoring one the
// caller already set so IDs survive proxies.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("RequestID", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// CORSMiddleware opens the API to browser dashboards.
func CORSMiddleware() gin.HandlerFunc {
	allowHeaders := "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Request-ID, X-Requested-With"
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds handler time. The handler keeps running on
// its goroutine after a timeout; the deadline on the request context is
// what makes well-behaved handlers bail out.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			close(done)
		}()

		select {
		case <-done:
		case p := <-panicked:
			logrus.WithField("panic", p).Error("handler panicked")
			respondError(c, http.StatusInternalServerError, "INTERNAL", "internal server error")
			c.Abort()
		case <-ctx.Done():
			respondError(c, http.StatusRequestTimeout, "TIMEOUT", "request took too long to process")
			c.Abort()
		}
	}
}

// RequestLogger logs every request and feeds the HTTP metrics. The
// metric label uses the route template so cardinality stays bounded.
func RequestLogger(log *logrus.Entry, metrics *monitor.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequest(method, route, status, latency)

		entry := log.WithFields(logrus.Fields{
			"request_id": c.GetString("RequestID"),
			"method":     method,
			"path":       path,
			"status":     status,
			"latency":    latency,
			"ip":         c.ClientIP(),
		})
		switch {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}
