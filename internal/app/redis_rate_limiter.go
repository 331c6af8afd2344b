package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// adminWindowScript keeps a sorted-set log of admitted requests scored by
// Redis server time, so every replica shares one clock. Rejected requests are
// not logged. Returns {admitted, remaining, retryAfterMs}.
var adminWindowScript = redis.NewScript(`
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local used = redis.call("ZCARD", KEYS[1])
if used < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[3])
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, limit - used - 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = window
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {0, 0, wait}
`)

// AdminCaller identifies the caller of an admin endpoint. Subject is the
// verified JWT subject; IP is used only when admin auth is disabled.
type AdminCaller struct {
	Subject string
	IP      string
}

// AdminQuota is the outcome of one admission check.
type AdminQuota struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// AdminRateLimiter caps admin settlement calls per caller over a sliding
// window, shared across replicas through Redis.
type AdminRateLimiter struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewAdminRateLimiter(client redis.UniversalClient, prefix string) *AdminRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "blink:rate_limit"
	}
	return &AdminRateLimiter{client: client, prefix: prefix, window: time.Minute}
}

// Admit records one request by caller against scope if fewer than limit were
// admitted within the window. A limiter without a client, a non-positive
// limit or an anonymous caller always admits.
func (l *AdminRateLimiter) Admit(ctx context.Context, scope string, caller AdminCaller, limit int) (AdminQuota, error) {
	if l == nil || l.client == nil || limit <= 0 {
		return AdminQuota{Allowed: true}, nil
	}
	key, ok := l.key(scope, caller)
	if !ok {
		return AdminQuota{Allowed: true}, nil
	}

	raw, err := adminWindowScript.Run(ctx, l.client, []string{key}, l.window.Milliseconds(), limit, uuid.NewString()).Result()
	if err != nil {
		return AdminQuota{}, fmt.Errorf("admin rate limit %s: %w", scope, err)
	}
	return decodeAdminQuota(raw)
}

func decodeAdminQuota(raw interface{}) (AdminQuota, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return AdminQuota{}, fmt.Errorf("unexpected admin limiter reply %T", raw)
	}
	fields := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return AdminQuota{}, fmt.Errorf("unexpected admin limiter field %d: %T", i, v)
		}
		fields[i] = n
	}

	quota := AdminQuota{Allowed: fields[0] == 1, Remaining: int(fields[1])}
	if !quota.Allowed {
		quota.RetryAfter = time.Duration(fields[2]) * time.Millisecond
		if quota.RetryAfter < time.Second {
			quota.RetryAfter = time.Second
		}
	}
	return quota, nil
}

// key separates JWT subjects from bare IPs so a subject can never collide
// with an address.
func (l *AdminRateLimiter) key(scope string, caller AdminCaller) (string, bool) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", false
	}
	if subject := strings.TrimSpace(caller.Subject); subject != "" {
		return fmt.Sprintf("%s:%s:sub:%s", l.prefix, scope, subject), true
	}
	if ip := strings.TrimSpace(caller.IP); ip != "" {
		return fmt.Sprintf("%s:%s:ip:%s", l.prefix, scope, ip), true
	}
	return "", false
}
