// Package ratelimit implements gateway-wide and per-team rate limiting using
// Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])
		
		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
		
		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end
		
		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	globalLimitKey = "ratelimit:gateway:rpm"
	teamKeyPrefix  = "ratelimit:team:"
)

// RPMLimiter checks requests-per-minute limits using a Redis sliding window.
// The global limit covers the whole gateway; the per-team limit additionally
// bounds individual callers identified by their team header.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	teamRPM  int
}

// NewRPMLimiter creates a new RPMLimiter with the given global RPM limit.
// rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// SetTeamLimit enables per-team limiting. Zero disables it.
func (r *RPMLimiter) SetTeamLimit(rpm int) {
	r.teamRPM = rpm
}

// Allow returns true if the current request is within the global rate limit.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	return r.check(ctx, globalLimitKey, r.rpmLimit)
}

// AllowTeam checks the global limit and, when a team id is present and a
// team limit is configured, the team's own window as well.
func (r *RPMLimiter) AllowTeam(ctx context.Context, teamID string) (bool, error) {
	ok, err := r.check(ctx, globalLimitKey, r.rpmLimit)
	if err != nil || !ok {
		return ok, err
	}
	if teamID == "" || r.teamRPM <= 0 {
		return true, nil
	}
	return r.check(ctx, teamKeyPrefix+teamID+":rpm", r.teamRPM)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
