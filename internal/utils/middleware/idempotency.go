package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loanpay/server/internal/model"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// IdempotencyKeyHeader is the header for idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyReplayedHeader marks a response served from the cache.
	IdempotencyReplayedHeader = "Idempotent-Replayed"

	idempotencyKeyPrefix  = "loanpay:idempotency:"
	defaultIdempotencyTTL = 24 * time.Hour
)

// storedResponse is a cached response body and status.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response of an earlier request that carried
// the same Idempotency-Key, route and body. Requests without a key, or with
// a nil client, pass through. Server errors are not stored.
func Idempotency(redis goredis.UniversalClient, ttl time.Duration) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if redis == nil || key == "" {
			c.Next()
			return
		}
		ctx := c.Request.Context()

		cacheKey, err := idempotencyCacheKey(c, key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, model.ErrorResponse{
				Code:    "invalid_input",
				Message: "unreadable request body",
			})
			return
		}

		if data, err := redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var stored storedResponse
			if json.Unmarshal(data, &stored) == nil {
				c.Header(IdempotencyReplayedHeader, "true")
				c.Data(stored.Status, stored.ContentType, stored.Body)
				c.Abort()
				return
			}
		}

		lockKey := cacheKey + ":lock"
		locked, err := redis.SetNX(ctx, lockKey, "1", 30*time.Second).Result()
		if err != nil {
			_ = c.Error(err)
			c.Next()
			return
		}
		if !locked {
			c.AbortWithStatusJSON(http.StatusConflict, model.ErrorResponse{
				Code:    "request_in_progress",
				Message: "a request with this idempotency key is in progress",
			})
			return
		}
		defer redis.Del(ctx, lockKey)

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		data, err := json.Marshal(storedResponse{
			Status:      status,
			ContentType: writer.Header().Get("Content-Type"),
			Body:        writer.body.Bytes(),
		})
		if err == nil {
			redis.Set(ctx, cacheKey, data, ttl)
		}
	}
}

// idempotencyCacheKey hashes the route, the client key and the body so a key
// reused with a different payload is not replayed.
func idempotencyCacheKey(c *gin.Context, key string) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	h := sha256.New()
	h.Write([]byte(c.Request.Method + " " + c.Request.URL.Path + "\n" + key + "\n"))
	h.Write(body)
	return idempotencyKeyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
