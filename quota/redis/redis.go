// Package redis provides a Redis-backed Limiter for inferpool.
//
// Window counters for one identity live in a single Redis hash and are
// checked and incremented by one Lua script, so admission is atomic across
// every instance sharing the Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/inferpool"
)

// Store is a Redis-backed Limiter.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	policy    inferpool.QuotaPolicy
	now       func() time.Time
}

var _ inferpool.Limiter = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "inferpool:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithClock overrides time.Now. Window starts are taken from this clock, not
// from the Redis server.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Redis-backed Limiter.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, policy inferpool.QuotaPolicy, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "inferpool:quota:",
		policy:    policy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(identity string, class inferpool.IdentityClass) string {
	return s.keyPrefix + string(class) + ":" + identity
}

// admitScript is a Lua script for atomic multi-window admission.
// KEYS[1] = counters hash key
// ARGV[1] = now (unix ms)
// ARGV[2] = key ttl (ms), the longest window
// ARGV[3..] = name, length (ms), limit per window
//
// Returns {allowed, retry_after_ms, remaining}.
var admitScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local windows = {}
for i = 3, #ARGV, 3 do
    local name = ARGV[i]
    local length = tonumber(ARGV[i + 1])
    local limit = tonumber(ARGV[i + 2])
    local start = tonumber(redis.call("HGET", key, name .. ":start") or "-1")
    local count = tonumber(redis.call("HGET", key, name .. ":count") or "0")
    if start < 0 or now - start >= length then
        start = now
        count = 0
        redis.call("HSET", key, name .. ":start", start, name .. ":count", 0)
    end
    table.insert(windows, {name = name, length = length, limit = limit, start = start, count = count})
end

local retry = 0
for _, w in ipairs(windows) do
    if w.count >= w.limit then
        local wait = w.start + w.length - now
        if wait > retry then
            retry = wait
        end
    end
end
redis.call("PEXPIRE", key, ttl)
if retry > 0 then
    return {0, retry, 0}
end

local remaining = -1
for _, w in ipairs(windows) do
    local count = redis.call("HINCRBY", key, w.name .. ":count", 1)
    local left = w.limit - count
    if remaining < 0 or left < remaining then
        remaining = left
    end
end
return {1, 0, remaining}
`)

// Admit atomically checks and increments every window of the class.
func (s *Store) Admit(ctx context.Context, identity string, class inferpool.IdentityClass) (inferpool.Decision, error) {
	windows, err := s.policy.Windows(class)
	if err != nil {
		return inferpool.Decision{}, err
	}

	args := []any{s.now().UnixMilli(), longest(windows).Milliseconds()}
	for _, w := range windows {
		args = append(args, w.Name, w.Length.Milliseconds(), w.Limit)
	}

	res, err := admitScript.Run(ctx, s.client, []string{s.key(identity, class)}, args...).Int64Slice()
	if err != nil {
		return inferpool.Decision{}, fmt.Errorf("inferpool/redis: admit: %w", err)
	}
	if len(res) != 3 {
		return inferpool.Decision{}, fmt.Errorf("inferpool/redis: unexpected admit result length %d", len(res))
	}

	if res[0] != 1 {
		return inferpool.Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
	}
	return inferpool.Decision{Allowed: true, Remaining: res[2]}, nil
}

// Remaining returns the admissions left in the tightest window.
func (s *Store) Remaining(ctx context.Context, identity string, class inferpool.IdentityClass) (int64, error) {
	windows, err := s.policy.Windows(class)
	if err != nil {
		return 0, err
	}

	fields := make([]string, 0, 2*len(windows))
	for _, w := range windows {
		fields = append(fields, w.Name+":start", w.Name+":count")
	}
	vals, err := s.client.HMGet(ctx, s.key(identity, class), fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("inferpool/redis: remaining: %w", err)
	}

	states := make([]inferpool.WindowState, len(windows))
	for i := range windows {
		start, okStart := parseInt(vals[2*i])
		count, okCount := parseInt(vals[2*i+1])
		if okStart && okCount {
			states[i] = inferpool.WindowState{Start: time.UnixMilli(start), Count: count}
		}
	}
	return inferpool.RemainingWindows(windows, states, s.now()), nil
}

// Reset removes every counter of the identity for a class.
func (s *Store) Reset(ctx context.Context, identity string, class inferpool.IdentityClass) error {
	if err := s.client.Del(ctx, s.key(identity, class)).Err(); err != nil {
		return fmt.Errorf("inferpool/redis: reset: %w", err)
	}
	return nil
}

func longest(windows []inferpool.Window) time.Duration {
	var d time.Duration
	for _, w := range windows {
		if w.Length > d {
			d = w.Length
		}
	}
	return d
}

func parseInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
