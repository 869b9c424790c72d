package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loanpay/server/internal/shared/logger"
	"github.com/loanpay/server/internal/utils/metrics"
	"github.com/loanpay/server/internal/utils/requestctx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func observed(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func serve(router *gin.Engine, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestRequestID(t *testing.T) {
	t.Run("generates new request ID when not provided", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID(nil))
		router.GET("/test", func(c *gin.Context) {
			assert.Equal(t, GetRequestID(c), requestctx.RequestID(c.Request.Context()))
			c.String(http.StatusOK, GetRequestID(c))
		})

		w := serve(router, "GET", "/test")

		assert.Equal(t, http.StatusOK, w.Code)
		headerID := w.Header().Get(RequestIDHeader)
		assert.NotEmpty(t, headerID)
		assert.Equal(t, headerID, w.Body.String())
	})

	t.Run("uses existing request ID and tags the context logger", func(t *testing.T) {
		log, logs := observed(zapcore.InfoLevel)
		router := gin.New()
		router.Use(RequestID(log))
		router.GET("/test", func(c *gin.Context) {
			logger.FromContext(c.Request.Context()).Info("inside")
			c.Status(http.StatusNoContent)
		})

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, "req-123", logs.All()[0].ContextMap()["request_id"])
	})
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  zapcore.Level
	}{
		{"success is info", http.StatusOK, zapcore.InfoLevel},
		{"client error is warn", http.StatusNotFound, zapcore.WarnLevel},
		{"server error is error", http.StatusBadGateway, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, logs := observed(zapcore.DebugLevel)
			router := gin.New()
			router.Use(RequestID(nil), Logging(log))
			router.GET("/test", func(c *gin.Context) { c.Status(tt.status) })

			serve(router, "GET", "/test?loan=1")

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.level, entry.Level)
			fields := entry.ContextMap()
			assert.Equal(t, int64(tt.status), fields["status"])
			assert.Equal(t, "/test", fields["path"])
			assert.Equal(t, "loan=1", fields["query"])
			assert.NotEmpty(t, fields["request_id"])
		})
	}
}

func TestRecovery(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		log, logs := observed(zapcore.ErrorLevel)
		router := gin.New()
		router.Use(Recovery(log))
		router.GET("/panic", func(c *gin.Context) { panic("test panic") })

		var w *httptest.ResponseRecorder
		require.NotPanics(t, func() { w = serve(router, "GET", "/panic") })

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "internal_error")
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, "panic recovered", logs.All()[0].Message)
	})

	t.Run("works with a nil logger", func(t *testing.T) {
		router := gin.New()
		router.Use(Recovery(nil))
		router.GET("/panic", func(c *gin.Context) { panic("test panic") })

		assert.Equal(t, http.StatusInternalServerError, serve(router, "GET", "/panic").Code)
	})
}

func TestMetrics(t *testing.T) {
	m := metrics.NewWithRegistry("test", prometheus.NewRegistry())
	router := gin.New()
	router.Use(Metrics(m))
	router.GET("/loans/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(router, "GET", "/loans/abc")
	serve(router, "GET", "/nowhere")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/loans/:id", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
}

type countingLimiter struct {
	counts map[string]int
	err    error
}

func (l *countingLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	if l.err != nil {
		return false, 0, l.err
	}
	l.counts[key]++
	remaining := limit - l.counts[key]
	if remaining < 0 {
		remaining = 0
	}
	return l.counts[key] <= limit, remaining, nil
}

func TestRateLimitByProvider(t *testing.T) {
	t.Run("throttles per provider", func(t *testing.T) {
		limiter := &countingLimiter{counts: map[string]int{}}
		router := gin.New()
		router.POST("/webhooks/:provider", RateLimitByProvider(limiter, 2, time.Minute), func(c *gin.Context) {
			c.Status(http.StatusAccepted)
		})

		assert.Equal(t, http.StatusAccepted, serve(router, "POST", "/webhooks/checkbook").Code)
		w := serve(router, "POST", "/webhooks/checkbook")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "0", w.Header().Get(RateLimitRemaining))

		w = serve(router, "POST", "/webhooks/checkbook")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get(RetryAfter))

		assert.Equal(t, http.StatusAccepted, serve(router, "POST", "/webhooks/tabapay").Code)
	})

	t.Run("fails open on limiter errors", func(t *testing.T) {
		limiter := &countingLimiter{err: errors.New("redis down")}
		router := gin.New()
		router.POST("/webhooks/:provider", RateLimitByProvider(limiter, 1, time.Minute), func(c *gin.Context) {
			c.Status(http.StatusAccepted)
		})

		assert.Equal(t, http.StatusAccepted, serve(router, "POST", "/webhooks/checkbook").Code)
	})

	t.Run("nil limiter passes through", func(t *testing.T) {
		router := gin.New()
		router.POST("/webhooks/:provider", RateLimitByProvider(nil, 1, time.Minute), func(c *gin.Context) {
			c.Status(http.StatusAccepted)
		})

		assert.Equal(t, http.StatusAccepted, serve(router, "POST", "/webhooks/checkbook").Code)
	})
}

func TestIdempotencyWithoutRedis(t *testing.T) {
	router := gin.New()
	calls := 0
	router.POST("/loans/:id/payments/:type", Idempotency(nil, 0), func(c *gin.Context) {
		calls++
		c.Status(http.StatusCreated)
	})

	req := httptest.NewRequest("POST", "/loans/1/payments/funding", nil)
	req.Header.Set(IdempotencyKeyHeader, "k1")
	router.ServeHTTP(httptest.NewRecorder(), req)
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 2, calls)
}

func TestDefaultCORSConfig(t *testing.T) {
	cfg := DefaultCORSConfig(nil)
	assert.Equal(t, []string{"*"}, cfg.AllowOrigins)
	assert.Contains(t, cfg.AllowHeaders, IdempotencyKeyHeader)
	assert.NotNil(t, CORS(cfg))

	cfg = DefaultCORSConfig([]string{"https://ops.example.com"})
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.AllowOrigins)
}
