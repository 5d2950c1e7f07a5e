// Package ratelimit implements the multi-scope sliding-window rate limiter
// from spec §4.4: per (scope, route, minute) request/token counters,
// weighted against the previous minute by (60-second)/60. The in-memory
// tier's clock-rollback garbage collection intentionally wipes all scopes
// when a request's minute precedes the last-seen minute — ported verbatim
// from original_source/src/gateway/limits.rs's
// gc_keeps_only_current_minute_after_clock_rollback test, per spec §9's
// explicit "preserve as intentional" guidance. The Redis tier reuses the
// teacher's atomic redis.Script pattern (internal/ratelimit/rpm.go in the
// base gateway) to make the same decision safe across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
)

const idleExpiry = 3 * time.Minute

type bucket struct {
	minute   int64
	requests int
	tokens   int
}

type window struct {
	curr, prev bucket
	lastUsed   time.Time
}

// Limiter is satisfied by both the in-memory and Redis-backed tiers.
type Limiter interface {
	Allow(ctx context.Context, scope, route string, tokens int, limits domain.Limits, now time.Time) error
}

// MemoryLimiter is the default, zero-dependency tier. Safe for concurrent use.
type MemoryLimiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	lastGCMinute int64
	haveGC       bool
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(_ context.Context, scope, route string, tokens int, limits domain.Limits, now time.Time) error {
	if limits.RPM == nil && limits.TPM == nil {
		return nil
	}

	minute := now.Unix() / 60
	second := int(now.Unix() % 60)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.haveGC && minute < l.lastGCMinute {
		// Clock rollback: wipe every scope's state. Intentional, see doc comment.
		l.windows = make(map[string]*window)
	}
	l.lastGCMinute = minute
	l.haveGC = true

	key := scope + "|" + route
	w := l.windows[key]
	if w == nil {
		w = &window{}
		l.windows[key] = w
	}

	switch {
	case w.curr.minute == minute:
		// same bucket
	case w.curr.minute == minute-1:
		w.prev = w.curr
		w.curr = bucket{minute: minute}
	default:
		w.prev = bucket{}
		w.curr = bucket{minute: minute}
	}

	weight := float64(60-second) / 60.0
	weightedReq := float64(w.curr.requests) + float64(w.prev.requests)*weight
	weightedTok := float64(w.curr.tokens) + float64(w.prev.tokens)*weight

	if limits.RPM != nil {
		if *limits.RPM == 0 || weightedReq+1 > float64(*limits.RPM)*60 {
			return gatewayerr.RateLimited(fmt.Sprintf("rpm>%d", *limits.RPM), "rate limit exceeded: "+scope)
		}
	}
	if limits.TPM != nil {
		if *limits.TPM == 0 || weightedTok+float64(tokens) > float64(*limits.TPM)*60 {
			return gatewayerr.RateLimited(fmt.Sprintf("tpm>%d", *limits.TPM), "rate limit exceeded: "+scope)
		}
	}

	w.curr.requests++
	w.curr.tokens += tokens
	w.lastUsed = now

	l.sweepLocked(now)
	return nil
}

func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.lastUsed) > idleExpiry {
			delete(l.windows, key)
		}
	}
}

// slidingWindowRatelimitScript mirrors the weighted current/previous minute
// algorithm server-side so multiple gateway replicas share one limit.
// KEYS[1..2] = current/previous minute hash keys
// ARGV[1..4] = second_in_minute, tokens, rpm(-1=unset,0=deny), tpm(-1=unset,0=deny)
var slidingWindowRatelimitScript = redis.NewScript(`
local curr_key = KEYS[1]
local prev_key = KEYS[2]
local second = tonumber(ARGV[1])
local tokens = tonumber(ARGV[2])
local rpm = tonumber(ARGV[3])
local tpm = tonumber(ARGV[4])

local curr_req = tonumber(redis.call('HGET', curr_key, 'requests') or '0')
local curr_tok = tonumber(redis.call('HGET', curr_key, 'tokens') or '0')
local prev_req = tonumber(redis.call('HGET', prev_key, 'requests') or '0')
local prev_tok = tonumber(redis.call('HGET', prev_key, 'tokens') or '0')

local weight = (60 - second) / 60.0
local weighted_req = curr_req + prev_req * weight
local weighted_tok = curr_tok + prev_tok * weight

if rpm >= 0 then
  if rpm == 0 or weighted_req + 1 > rpm * 60 then
    return 0
  end
end
if tpm >= 0 then
  if tpm == 0 or weighted_tok + tokens > tpm * 60 then
    return 0
  end
end

redis.call('HINCRBY', curr_key, 'requests', 1)
redis.call('HINCRBY', curr_key, 'tokens', tokens)
redis.call('EXPIRE', curr_key, 180)
return 1
`)

// RedisLimiter is the shared-store tier: the same weighted algorithm,
// evaluated atomically in Redis so every gateway replica observes the same
// counters. Falls back to "allow" on any Redis error, matching the
// teacher's graceful-degradation policy in internal/ratelimit/rpm.go.
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (l *RedisLimiter) Allow(ctx context.Context, scope, route string, tokens int, limits domain.Limits, now time.Time) error {
	if limits.RPM == nil && limits.TPM == nil {
		return nil
	}

	minute := now.Unix() / 60
	second := int(now.Unix() % 60)
	currKey := fmt.Sprintf("ratelimit:%s|%s:%d", scope, route, minute)
	prevKey := fmt.Sprintf("ratelimit:%s|%s:%d", scope, route, minute-1)

	rpm, tpm := -1, -1
	if limits.RPM != nil {
		rpm = *limits.RPM
	}
	if limits.TPM != nil {
		tpm = *limits.TPM
	}

	result, err := slidingWindowRatelimitScript.Run(ctx, l.rdb,
		[]string{currKey, prevKey}, second, tokens, rpm, tpm,
	).Int()
	if err != nil {
		return nil // Redis unavailable: degrade gracefully, allow the request.
	}
	if result == 0 {
		limit := fmt.Sprintf("rpm>%d", rpm)
		if tpm >= 0 && (rpm < 0 || tpm == 0) {
			limit = fmt.Sprintf("tpm>%d", tpm)
		}
		return gatewayerr.RateLimited(limit, "rate limit exceeded: "+scope)
	}
	return nil
}
