package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

var errScriptResult = errors.New("unexpected rate limit script result")

// Redis shares counters across gateway instances. When Redis is unreachable
// it degrades to the in-memory Fallback, so quotas become per instance.
type Redis struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter
	Logger   *slog.Logger
}

func NewRedis(client redis.Scripter, w time.Duration, logger *slog.Logger) *Redis {
	if w <= 0 {
		w = time.Minute
	}
	return &Redis{
		Client:   client,
		Window:   w,
		Prefix:   "ratelimit:",
		Timeout:  500 * time.Millisecond,
		Fallback: NewMemory(w),
		Logger:   logger,
	}
}

func (r *Redis) Allow(ctx context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	if r.Client == nil {
		return r.fallback(ctx, key, limit)
	}
	count, ttl, err := r.incr(ctx, key)
	if err != nil {
		logging.OrDiscard(r.Logger).Warn("rate limit store unavailable, using local counters", "error", err)
		return r.fallback(ctx, key, limit)
	}
	if ttl <= 0 {
		ttl = r.Window
	}
	return newDecision(count, limit, time.Now().UTC().Add(ttl))
}

func (r *Redis) incr(ctx context.Context, key string) (int, time.Duration, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := windowScript.Run(ctx, r.Client, []string{r.Prefix + key}, r.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, errScriptResult
	}
	return int(res[0]), time.Duration(res[1]) * time.Millisecond, nil
}

func (r *Redis) fallback(ctx context.Context, key string, limit int) Decision {
	if r.Fallback == nil {
		return newDecision(0, limit, time.Now().UTC().Add(r.Window))
	}
	return r.Fallback.Allow(ctx, key, limit)
}
