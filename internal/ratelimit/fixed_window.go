// Package ratelimit throttles connection attempts and auth calls per client.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow bumps the counter for one window and arms its expiry on the
// first hit. It returns the count and the remaining window in milliseconds.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Limiter decides whether a keyed action may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// FixedWindowLimiter counts hits per key in Redis so every replica shares
// one quota. It fails closed when Redis is unreachable.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewRedisFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	switch {
	case client == nil:
		return nil, errors.New("rate limiter redis client is required")
	case limit <= 0 || window <= 0:
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "codecollab:ratelimit"
	}
	return &FixedWindowLimiter{client: client, prefix: prefix, limit: int64(limit), window: window, now: time.Now}, nil
}

func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	ok, _ := l.Check(ctx, key)
	return ok
}

// Check reports whether key is within quota and, when it is not, how long
// until the current window closes.
func (l *FixedWindowLimiter) Check(ctx context.Context, key string) (bool, time.Duration) {
	if l == nil {
		return false, 0
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := incrWindow.Run(ctx, l.client, []string{l.windowKey(key)}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		slog.Warn("rate_limiter_unavailable", "prefix", l.prefix, "err", err)
		return false, l.window
	}
	if res[0] <= l.limit {
		return true, 0
	}
	return false, time.Duration(max(res[1], 0)) * time.Millisecond
}

func (l *FixedWindowLimiter) windowKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	slot := l.now().UnixMilli() / l.window.Milliseconds()
	return l.prefix + ":" + key + ":" + strconv.FormatInt(slot, 10)
}

type checker interface {
	Check(ctx context.Context, key string) (bool, time.Duration)
}

// Admit applies l to key. A nil limiter admits everything. retryAfter is
// zero when the limiter cannot tell how long the caller should wait.
func Admit(ctx context.Context, l Limiter, key string) (ok bool, retryAfter time.Duration) {
	if l == nil {
		return true, 0
	}
	if c, isChecker := l.(checker); isChecker {
		return c.Check(ctx, key)
	}
	return l.Allow(ctx, key), 0
}
