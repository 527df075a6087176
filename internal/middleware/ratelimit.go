package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/salescoach/api/pkg/response"
)

// Default policy for indexing operations: 5 requests per 60-second window
// per caller per operation bucket.
const (
	DefaultMaxRequests = 5
	DefaultWindow      = 60 * time.Second
)

// RateLimiter throttles non-admin callers with a per-caller windowed
// counter in redis.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Check applies the windowed counter for one caller and bucket. When the
// limit is exceeded it returns allowed=false and the seconds until the
// window resets.
func (rl *RateLimiter) Check(ctx context.Context, callerID, bucket string, maxRequests int, window time.Duration) (allowed bool, retryAfterSeconds int, err error) {
	key := fmt.Sprintf("ratelimit:%s:%s", bucket, callerID)

	count, err := rl.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		rl.redis.Expire(ctx, key, window)
	}

	if count > int64(maxRequests) {
		ttl, _ := rl.redis.TTL(ctx, key).Result()
		retryAfter := int(ttl.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// Limit creates a rate limiting middleware for one operation bucket.
// Admin-privileged callers bypass the limiter.
func (rl *RateLimiter) Limit(bucket string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := CallerFrom(c)
		if caller == nil || caller.Admin {
			return c.Next()
		}

		allowed, retryAfter, err := rl.Check(c.Context(), caller.UserID, bucket, maxRequests, window)
		if err != nil {
			// If redis fails, allow the request rather than blocking traffic.
			return c.Next()
		}
		if !allowed {
			return response.RateLimited(c, retryAfter)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		return c.Next()
	}
}

// IndexLimit returns the limiter for the index endpoint.
func (rl *RateLimiter) IndexLimit(maxRequests, windowSeconds int) fiber.Handler {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	window := time.Duration(windowSeconds) * time.Second
	if window <= 0 {
		window = DefaultWindow
	}
	return rl.Limit("index", maxRequests, window)
}
