package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// MemoryLimiter keeps a token bucket per key in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	r        rate.Limit
	b        int
	stop     chan struct{}
	once     sync.Once
}

// NewMemoryLimiter allows requestsPerMinute per key with the given burst.
func NewMemoryLimiter(requestsPerMinute, burst int) *MemoryLimiter {
	if burst <= 0 {
		burst = 1
	}
	ml := &MemoryLimiter{
		visitors: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		b:        burst,
		stop:     make(chan struct{}),
	}
	go ml.cleanupVisitors(3 * time.Minute)
	return ml
}

func (ml *MemoryLimiter) getLimiter(key string) *rate.Limiter {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	limiter, exists := ml.visitors[key]
	if !exists {
		limiter = rate.NewLimiter(ml.r, ml.b)
		ml.visitors[key] = limiter
	}
	return limiter
}

func (ml *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return ml.getLimiter(key).Allow(), nil
}

// cleanupVisitors drops limiters that have refilled completely, i.e. idle keys.
func (ml *MemoryLimiter) cleanupVisitors(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ml.prune()
		case <-ml.stop:
			return
		}
	}
}

func (ml *MemoryLimiter) prune() {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for key, limiter := range ml.visitors {
		if limiter.Tokens() >= float64(ml.b) {
			delete(ml.visitors, key)
		}
	}
}

func (ml *MemoryLimiter) Close() error {
	ml.once.Do(func() { close(ml.stop) })
	return nil
}

// RedisLimiter counts requests per key in fixed windows shared by all replicas.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows limit requests per window for each key.
func NewRedisLimiter(redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisLimiter{
		client: redis.NewClient(opt),
		limit:  limit,
		window: window,
		now:    time.Now,
	}, nil
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := rl.now().UnixNano() / int64(rl.window)
	redisKey := fmt.Sprintf("tuwen:ratelimit:%s:%d", key, bucket)

	// INCR and EXPIRE run in one MULTI so a window key never outlives its window.
	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, rl.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis rate limit window %s: %w", redisKey, err)
	}
	return incr.Val() <= int64(rl.limit), nil
}

func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}

// Middleware rejects clients over the limit with 429. Limiter errors let the request through.
func Middleware(limiter Limiter, logger *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	logger = logger.With("component", "ratelimit")
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, err := limiter.Allow(c.Request.Context(), ip)
		if err != nil {
			logger.Warn("Rate limiter unavailable, allowing request", "client_ip", ip, "error", err)
			c.Next()
			return
		}
		if !allowed {
			m.RecordRateLimited()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests. Please try again later.",
			})
			return
		}
		c.Next()
	}
}
