package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/pkg/response"
)

type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewRateLimiter returns a limiter backed by redis. A nil client disables
// limiting.
func NewRateLimiter(redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{redis: redisClient, logger: logger}
}

// Limit creates a rate limiting middleware keyed by user, or by client IP
// for anonymous requests.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		subject := GetUserID(c)
		if subject == "" {
			subject = "ip:" + c.IP()
		}
		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, subject)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.logger.Warn("rate limiter unavailable, allowing request", zap.String("key", key), zap.Error(err))
			return c.Next()
		}

		// Set expiration on first request
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// ProcessLimit limits job submissions per hour.
func (rl *RateLimiter) ProcessLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("process", maxPerHour, time.Hour)
}
