package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"ticket-service/internal/redisclient"
	"ticket-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// RateLimiter counts one request against a named sliding window
type RateLimiter interface {
	Allow(ctx context.Context, key string, w redisclient.Window, now time.Time) (redisclient.Decision, error)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// rateLimitMiddleware applies a per-client sliding window. Redis errors let
// the request through.
func rateLimitMiddleware(limiter RateLimiter, window redisclient.Window) gin.HandlerFunc {
	logger := util.GetLogger()
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		decision, err := limiter.Allow(c.Request.Context(), key, window, time.Now())
		if err != nil {
			logger.Warn("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(window.Limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if !decision.Allowed {
			secs := int((decision.RetryAfter + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

// requireKey admits requests whose header value matches the bcrypt hash
func requireKey(header, hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(header)
		if key == "" || hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
