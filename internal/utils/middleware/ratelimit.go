package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
)

const (
	// RateLimitRemaining is the header for remaining requests.
	RateLimitRemaining = "X-RateLimit-Remaining"
	// RateLimitLimit is the header for the limit.
	RateLimitLimit = "X-RateLimit-Limit"
	// RetryAfter is the header for retry time.
	RetryAfter = "Retry-After"
)

// RateLimitConfig holds rate limit configuration.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
	// KeyFunc derives the bucket from the request. Defaults to client IP.
	KeyFunc func(*gin.Context) string
}

// RateLimit returns a middleware that throttles requests. A nil limiter or
// a non-positive limit disables it.
func RateLimit(limiter outbound.RateLimiterPort, cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *gin.Context) string { return "ip:" + c.ClientIP() }
	}

	return func(c *gin.Context) {
		if limiter == nil || cfg.Limit <= 0 {
			c.Next()
			return
		}

		allowed, remaining, err := limiter.Allow(c.Request.Context(), cfg.KeyFunc(c), cfg.Limit, cfg.Window)
		if err != nil {
			// Fail open.
			_ = c.Error(err)
			c.Next()
			return
		}

		c.Header(RateLimitLimit, strconv.Itoa(cfg.Limit))
		c.Header(RateLimitRemaining, strconv.Itoa(remaining))
		if !allowed {
			c.Header(RetryAfter, strconv.Itoa(int(cfg.Window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.ErrorResponse{
				Code:    "rate_limited",
				Message: "too many requests",
			})
			return
		}
		c.Next()
	}
}

// RateLimitByProvider throttles per client IP and path parameter provider.
func RateLimitByProvider(limiter outbound.RateLimiterPort, limit int, window time.Duration) gin.HandlerFunc {
	return RateLimit(limiter, RateLimitConfig{
		Limit:  limit,
		Window: window,
		KeyFunc: func(c *gin.Context) string {
			return "webhook:" + c.Param("provider") + ":" + c.ClientIP()
		},
	})
}
