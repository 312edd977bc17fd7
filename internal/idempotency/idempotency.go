// Package idempotency replays the stored response when a client retries a
// mutating request with the same Idempotency-Key.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mpescrow/internal/auth"
	"github.com/redis/go-redis/v9"
)

const (
	HeaderKey = "Idempotency-Key"

	keyPrefix        = "mpescrow:idempotency:v1:"
	inProgressMarker = "__in_progress__"
	maxKeyLength     = 128
	redisTimeout     = 2 * time.Second
)

type storedResponse struct {
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"contentType"`
}

// recorder tees the handler's response body.
type recorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// Middleware stores the outcome of requests carrying an Idempotency-Key,
// scoped to the authenticated caller, for ttl. Requests without the header
// pass through. A retry with the same key and payload gets the stored
// response; the same key with a different payload is rejected. Server
// errors are not stored so the client can retry them.
func Middleware(cache *redis.Client, ttl time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		if len(key) > maxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_idempotency_key",
				"message": "Idempotency-Key is too long",
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "request body could not be read"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		fp := fingerprint(c.Request.Method, c.Request.URL.Path, body)

		cacheKey := keyPrefix + auth.Caller(c) + ":" + key
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), redisTimeout)
		defer cancel()

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			logger.Error("idempotency reservation failed", "key", key, "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "idempotency_unavailable",
				"message": "idempotency store failure",
			})
			return
		}
		if !reserved {
			replay(ctx, c, cache, cacheKey, fp, logger)
			return
		}

		rec := &recorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status >= http.StatusInternalServerError {
			cache.Del(ctx, cacheKey)
			return
		}
		payload, err := json.Marshal(storedResponse{
			Fingerprint: fp,
			Status:      status,
			Body:        rec.body.String(),
			ContentType: rec.Header().Get("Content-Type"),
		})
		if err == nil {
			err = cache.Set(ctx, cacheKey, payload, ttl).Err()
		}
		if err != nil {
			logger.Error("failed to persist idempotent response", "key", key, "error", err)
			cache.Del(ctx, cacheKey)
		}
	}
}

func replay(ctx context.Context, c *gin.Context, cache *redis.Client, cacheKey, fp string, logger *slog.Logger) {
	cached, err := cache.Get(ctx, cacheKey).Result()
	if errors.Is(err, redis.Nil) || cached == inProgressMarker {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":   "request_in_progress",
			"message": "a request with this Idempotency-Key is still being processed",
		})
		return
	}
	if err != nil {
		logger.Error("idempotency lookup failed", "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "idempotency_unavailable",
			"message": "idempotency store failure",
		})
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		logger.Warn("failed to decode stored idempotent response", "error", err)
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "duplicate_request", "message": "duplicate request"})
		return
	}
	if stored.Fingerprint != fp {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "idempotency_key_reused",
			"message": "Idempotency-Key was already used for a different request",
		})
		return
	}

	c.Header("Idempotent-Replayed", "true")
	c.Data(stored.Status, stored.ContentType, []byte(stored.Body))
	c.Abort()
}

func fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
