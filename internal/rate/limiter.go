package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitLua increments a fixed-window counter and starts its window on the
// first hit. Returns {count, pttl_ms}.
// KEYS[1] = counter key
// ARGV[1] = window in milliseconds
var hitLua = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Window is a fixed-window budget for one bucket.
type Window struct {
	Bucket   string
	Limit    int
	Duration time.Duration
}

// Decision is the outcome of one CheckAndIncrement call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Limiter enforces fixed-window request budgets using Redis counters.
// It knows nothing about tokens or users.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "mlrl"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
	}
}

// CheckAndIncrement counts one request for identity in w and reports
// whether it is within budget. Rejected requests still count.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identity string, w Window) (Decision, error) {
	if w.Limit <= 0 || w.Duration <= 0 {
		return Decision{Allowed: true, Limit: w.Limit}, nil
	}

	res, err := hitLua.Run(ctx, l.redis,
		[]string{l.key(w.Bucket, identity)},
		w.Duration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected lua result", ErrRedisUnavailable)
	}

	d := Decision{
		Count: res[0],
		Limit: w.Limit,
	}
	if d.Count <= int64(w.Limit) {
		d.Allowed = true
		return d, nil
	}

	d.RetryAfter = time.Duration(res[1]) * time.Millisecond
	if d.RetryAfter <= 0 {
		d.RetryAfter = time.Millisecond
	}
	return d, nil
}

// Reset clears the counter for identity in bucket.
func (l *Limiter) Reset(ctx context.Context, bucket, identity string) error {
	if err := l.redis.Del(ctx, l.key(bucket, identity)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Ping checks the counter backend.
func (l *Limiter) Ping(ctx context.Context) error {
	if err := l.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) key(bucket, identity string) string {
	return l.prefix + ":" + bucket + ":" + identity
}

// Identity joins the origin IP and normalized email into one counter identity.
func Identity(ip, email string) string {
	if ip == "" {
		ip = "-"
	}
	return ip + "|" + email
}
