package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"contentengine/pkg/domain"
)

// reserveScript evaluates a reservation atomically and records its hold.
// KEYS: record hash, holds hash (id -> "estimate:expires_ms").
// Returns {code, wait_ms}: 0 allowed, 1 daily limit, 2 monthly budget, 3 wait.
var reserveScript = redis.NewScript(`
local h = KEYS[1]
local day = ARGV[1]
local month = ARGV[2]
local now = tonumber(ARGV[3])
local delay = tonumber(ARGV[4])
local limit = tonumber(ARGV[5])
local budget = tonumber(ARGV[6])
local est = tonumber(ARGV[7])
if redis.call("HGET", h, "day") ~= day then
  redis.call("HSET", h, "day", day, "calls", 0)
end
if redis.call("HGET", h, "month") ~= month then
  redis.call("HSET", h, "month", month, "cost", 0, "overage", 0)
end
local calls = tonumber(redis.call("HGET", h, "calls") or "0")
local cost = tonumber(redis.call("HGET", h, "cost") or "0")
local held_calls = 0
local held_cost = 0
local holds = redis.call("HGETALL", KEYS[2])
for i = 1, #holds, 2 do
  local v = holds[i + 1]
  local sep = string.find(v, ":", 1, true)
  if sep == nil or tonumber(string.sub(v, sep + 1)) <= now then
    redis.call("HDEL", KEYS[2], holds[i])
  else
    held_calls = held_calls + 1
    held_cost = held_cost + tonumber(string.sub(v, 1, sep - 1))
  end
end
if calls + held_calls >= limit then
  return {1, 0}
end
if cost + held_cost + est > budget then
  return {2, 0}
end
local last = tonumber(redis.call("HGET", h, "last_ms") or "0")
if delay > 0 and last > 0 and now - last < delay then
  return {3, delay - (now - last)}
end
redis.call("HSET", h, "last_ms", now)
redis.call("HSET", KEYS[2], ARGV[8], ARGV[7] .. ":" .. ARGV[9])
return {0, 0}
`)

// commitScript drops the reservation hold and books the call once per
// reservation marker key.
var commitScript = redis.NewScript(`
local h = KEYS[1]
redis.call("HDEL", KEYS[3], ARGV[7])
if not redis.call("SET", KEYS[2], "1", "NX", "EX", ARGV[6]) then
  return 0
end
local day = ARGV[1]
local month = ARGV[2]
local now = tonumber(ARGV[3])
local budget = tonumber(ARGV[4])
local actual = tonumber(ARGV[5])
if redis.call("HGET", h, "day") ~= day then
  redis.call("HSET", h, "day", day, "calls", 0)
end
if redis.call("HGET", h, "month") ~= month then
  redis.call("HSET", h, "month", month, "cost", 0, "overage", 0)
end
redis.call("HINCRBY", h, "calls", 1)
local cost = tonumber(redis.call("HGET", h, "cost") or "0") + actual
if cost > budget then
  redis.call("HINCRBY", h, "overage", cost - budget)
  cost = budget
end
redis.call("HSET", h, "cost", cost, "last_ms", now)
return 1
`)

const commitMarkerTTL = 40 * 24 * time.Hour

// RedisLedger keeps the usage record in a Redis hash. Reserve and Commit
// each run as one Lua script, so concurrent processes never interleave.
type RedisLedger struct {
	client *redis.Client
	prefix string
	limits Limits
	opts   options
}

func NewRedisLedger(client *redis.Client, prefix string, limits Limits, opts ...Option) (*RedisLedger, error) {
	if client == nil {
		return nil, errors.New("usage: redis client required")
	}
	if err := limits.validate(); err != nil {
		return nil, err
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "contentengine:usage"
	}
	return &RedisLedger{client: client, prefix: prefix, limits: limits, opts: buildOptions(opts)}, nil
}

func (l *RedisLedger) key() string {
	return fmt.Sprintf("%s:%s", l.prefix, l.limits.account())
}

func (l *RedisLedger) holdsKey() string {
	return l.key() + ":holds"
}

func (l *RedisLedger) Reserve(ctx context.Context, estimated Cost) (Reservation, error) {
	return reserveLoop(ctx, l.opts, func(ctx context.Context, now time.Time) (Reservation, time.Duration, error) {
		reservation := newReservation(uuid.NewString(), estimated, now, l.limits)
		res, err := reserveScript.Run(ctx, l.client, []string{l.key(), l.holdsKey()},
			dayBucket(now), monthBucket(now), now.UnixMilli(), l.limits.MinDelay.Milliseconds(),
			l.limits.DailyCallLimit, int64(l.limits.MonthlyBudget), int64(estimated),
			reservation.ID, reservation.ExpiresAt.UnixMilli(),
		).Int64Slice()
		if err != nil {
			return Reservation{}, 0, fmt.Errorf("reserve usage: %w", err)
		}
		if len(res) != 2 {
			return Reservation{}, 0, fmt.Errorf("reserve usage: unexpected script result %v", res)
		}
		switch res[0] {
		case 0:
			return reservation, 0, nil
		case 1, 2:
			rec, err := l.Snapshot(ctx)
			if err != nil {
				return Reservation{}, 0, err
			}
			reason := ReasonDailyLimit
			if res[0] == 2 {
				reason = ReasonMonthlyBudget
			}
			return Reservation{}, 0, &BudgetExceededError{Reason: reason, Estimated: estimated, Usage: rec, Limits: l.limits}
		default:
			return Reservation{}, time.Duration(res[1]) * time.Millisecond, nil
		}
	})
}

func (l *RedisLedger) Commit(ctx context.Context, res Reservation, actual Cost) error {
	if err := checkCommit(res, actual); err != nil {
		return err
	}
	now := l.opts.now()
	marker := fmt.Sprintf("%s:commit:%s", l.prefix, res.ID)
	_, err := commitScript.Run(ctx, l.client, []string{l.key(), marker, l.holdsKey()},
		dayBucket(now), monthBucket(now), now.UnixMilli(),
		int64(l.limits.MonthlyBudget), int64(actual), int64(commitMarkerTTL/time.Second), res.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, res Reservation) error {
	if err := checkRelease(res); err != nil {
		return err
	}
	if err := l.client.HDel(ctx, l.holdsKey(), res.ID).Err(); err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}

func (l *RedisLedger) TimeUntilNextCall(ctx context.Context) (time.Duration, error) {
	rec, err := l.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return remainingDelay(rec, l.limits, l.opts.now()), nil
}

func (l *RedisLedger) Snapshot(ctx context.Context) (domain.UsageRecord, error) {
	data, err := l.client.HGetAll(ctx, l.key()).Result()
	if err != nil {
		return domain.UsageRecord{}, fmt.Errorf("read usage: %w", err)
	}
	rec := domain.UsageRecord{
		Account:     l.limits.account(),
		DayBucket:   data["day"],
		MonthBucket: data["month"],
	}
	if n, err := strconv.Atoi(data["calls"]); err == nil {
		rec.CallsToday = n
	}
	if n, err := strconv.ParseInt(data["cost"], 10, 64); err == nil {
		rec.MonthCost = n
	}
	if n, err := strconv.ParseInt(data["overage"], 10, 64); err == nil {
		rec.Overage = n
	}
	if ms, err := strconv.ParseInt(data["last_ms"], 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		rec.LastCallAt = &t
	}
	holds, err := l.client.HGetAll(ctx, l.holdsKey()).Result()
	if err != nil {
		return domain.UsageRecord{}, fmt.Errorf("read usage holds: %w", err)
	}
	now := l.opts.now()
	for _, v := range holds {
		est, exp, ok := strings.Cut(v, ":")
		if !ok {
			continue
		}
		expMs, err := strconv.ParseInt(exp, 10, 64)
		if err != nil || expMs <= now.UnixMilli() {
			continue
		}
		n, _ := strconv.ParseInt(est, 10, 64)
		rec.PendingCalls++
		rec.PendingCost += n
	}
	rollover(&rec, now)
	return rec, nil
}
