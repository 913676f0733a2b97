package middleware

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/makeasinger/jobserver/pkg/response"
)

// memoryLimiterKeys bounds the number of clients tracked in memory.
const memoryLimiterKeys = 10000

// Limiter decides whether key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RedisLimiter is a fixed window counter shared by every instance using the
// same redis database.
type RedisLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{redis: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}

	// Set expiration on first request
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, err
		}
	}

	if count > int64(l.limit) {
		ttl, _ := l.redis.TTL(ctx, key).Result()
		if ttl <= 0 {
			ttl = l.window
		}
		return false, ttl, nil
	}
	return true, 0, nil
}

// MemoryLimiter keeps a token bucket per key in process memory. Idle keys
// are forgotten after one window.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	every   rate.Limit
	burst   int
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](memoryLimiterKeys, nil, window),
		every:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(l.every, l.burst)
		l.buckets.Add(key, bucket)
	}
	l.mu.Unlock()

	r := bucket.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

type RateLimiter struct {
	backend Limiter
	log     *zap.Logger
}

func NewRateLimiter(backend Limiter, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{backend: backend, log: log.Named("ratelimit")}
}

// Limit creates a rate limiting middleware keyed by the authenticated
// principal, or the remote address for anonymous clients.
func (rl *RateLimiter) Limit(keyPrefix string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		client := GetUserID(c)
		if client == "" {
			client = c.IP()
		}
		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, client)

		allowed, retryAfter, err := rl.backend.Allow(c.UserContext(), key)
		if err != nil {
			// If the backend fails, allow the request but log the error
			rl.log.Warn("Rate limiter unavailable", zap.String("key", key), zap.Error(err))
			return c.Next()
		}
		if !allowed {
			rl.log.Debug("Rate limit exceeded", zap.String("key", key))
			return response.RateLimited(c, int(math.Ceil(retryAfter.Seconds())))
		}
		return c.Next()
	}
}

// SubmitLimit limits job submissions per client.
func (rl *RateLimiter) SubmitLimit() fiber.Handler {
	return rl.Limit("submit")
}
