package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 500 * time.Millisecond

var errNoClient = errors.New("no redis client")

// RedisLimiter shares counters across replicas. One key exists per caller
// per window and expires with it. When Redis cannot answer, the local
// Fallback decides; with no fallback the request is let through.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter
	Now      func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	window, _ = normalize(window, 1)
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "killswitch:rl:",
		Timeout:  defaultRedisTimeout,
		Fallback: NewInMemory(window),
		Now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	window, limit := normalize(l.Window, limit)
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	at := now().UTC()
	start, end := bucket(at, window)

	count, err := l.incr(ctx, fmt.Sprintf("%s%s:%d", l.Prefix, key, start.Unix()), end.Sub(at))
	if err != nil {
		if l.Client != nil {
			log.Printf("ratelimit redis unavailable, counting locally: %v", err)
		}
		if l.Fallback != nil {
			return l.Fallback.Allow(ctx, key, limit)
		}
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: end}
	}
	return verdict(int(count), limit, end)
}

func (l *RedisLimiter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if l.Client == nil {
		return 0, errNoClient
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var incr *redis.IntCmd
	_, err := l.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
