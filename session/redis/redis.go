// Package redis provides a Redis-backed SessionStore.
//
// Each assignment is a Redis hash. Insert-if-absent and compare-and-replace
// run as Lua scripts so concurrent creators on different instances converge
// on one assignment. Keys also carry a TTL as a backstop for idle expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/inferpool"
)

// Store is a Redis-backed SessionStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ inferpool.SessionStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "inferpool:session:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTL sets the key TTL refreshed on every write (default 7 days).
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New creates a new Redis-backed SessionStore.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "inferpool:session:",
		ttl:       7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(sessionKey string) string {
	return s.keyPrefix + sessionKey
}

// putIfAbsentScript inserts the assignment when the key does not exist.
// KEYS[1] = session hash key
// ARGV[1..5] = provider_id, intent, assigned_at, last_used_at (unix ms), ttl ms
//
// Returns {created, provider_id, intent, assigned_at, last_used_at}.
var putIfAbsentScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
    local cur = redis.call("HMGET", key, "provider_id", "intent", "assigned_at", "last_used_at")
    return {0, cur[1], cur[2], cur[3], cur[4]}
end
redis.call("HSET", key, "provider_id", ARGV[1], "intent", ARGV[2], "assigned_at", ARGV[3], "last_used_at", ARGV[4])
redis.call("PEXPIRE", key, ARGV[5])
return {1, ARGV[1], ARGV[2], ARGV[3], ARGV[4]}
`)

// replaceScript overwrites the assignment if it still points at the
// expected provider.
// KEYS[1] = session hash key
// ARGV[1] = expected provider_id
// ARGV[2..6] = provider_id, intent, assigned_at, last_used_at, ttl ms
var replaceScript = goredis.NewScript(`
local key = KEYS[1]
local cur = redis.call("HGET", key, "provider_id")
if not cur or cur ~= ARGV[1] then
    return 0
end
redis.call("HSET", key, "provider_id", ARGV[2], "intent", ARGV[3], "assigned_at", ARGV[4], "last_used_at", ARGV[5])
redis.call("PEXPIRE", key, ARGV[6])
return 1
`)

// touchScript stamps last_used_at on an existing key.
// KEYS[1] = session hash key
// ARGV[1] = last_used_at (unix ms), ARGV[2] = ttl ms
var touchScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return 0
end
local cur = tonumber(redis.call("HGET", key, "last_used_at") or "0")
if tonumber(ARGV[1]) > cur then
    redis.call("HSET", key, "last_used_at", ARGV[1])
end
redis.call("PEXPIRE", key, ARGV[2])
return 1
`)

func (s *Store) Get(ctx context.Context, sessionKey string) (inferpool.Assignment, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(sessionKey), "provider_id", "intent", "assigned_at", "last_used_at").Result()
	if err != nil {
		return inferpool.Assignment{}, false, fmt.Errorf("inferpool/redis: get session: %w", err)
	}
	if vals[0] == nil {
		return inferpool.Assignment{}, false, nil
	}
	a, err := parseAssignment(sessionKey, vals)
	if err != nil {
		return inferpool.Assignment{}, false, err
	}
	return a, true, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, a inferpool.Assignment) (inferpool.Assignment, bool, error) {
	res, err := putIfAbsentScript.Run(ctx, s.client,
		[]string{s.key(a.SessionKey)},
		a.ProviderID, a.Intent, a.AssignedAt.UnixMilli(), a.LastUsedAt.UnixMilli(), s.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return inferpool.Assignment{}, false, fmt.Errorf("inferpool/redis: put session: %w", err)
	}
	if len(res) != 5 {
		return inferpool.Assignment{}, false, fmt.Errorf("inferpool/redis: unexpected put result length %d", len(res))
	}

	created, _ := res[0].(int64)
	stored, err := parseAssignment(a.SessionKey, res[1:])
	if err != nil {
		return inferpool.Assignment{}, false, err
	}
	return stored, created == 1, nil
}

func (s *Store) Replace(ctx context.Context, expectedProviderID string, a inferpool.Assignment) (bool, error) {
	n, err := replaceScript.Run(ctx, s.client,
		[]string{s.key(a.SessionKey)},
		expectedProviderID, a.ProviderID, a.Intent, a.AssignedAt.UnixMilli(), a.LastUsedAt.UnixMilli(), s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("inferpool/redis: replace session: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Touch(ctx context.Context, sessionKey string, at time.Time) error {
	if err := touchScript.Run(ctx, s.client,
		[]string{s.key(sessionKey)},
		at.UnixMilli(), s.ttl.Milliseconds(),
	).Err(); err != nil {
		return fmt.Errorf("inferpool/redis: touch session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	if err := s.client.Del(ctx, s.key(sessionKey)).Err(); err != nil {
		return fmt.Errorf("inferpool/redis: delete session: %w", err)
	}
	return nil
}

// DeleteIdle scans the key prefix and removes assignments idle before the
// cutoff. Each removal re-checks last_used_at so a concurrent touch wins.
func (s *Store) DeleteIdle(ctx context.Context, before time.Time) (int, error) {
	var n int
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		removed, err := deleteIdleScript.Run(ctx, s.client, []string{iter.Val()}, before.UnixMilli()).Int64()
		if err != nil {
			return n, fmt.Errorf("inferpool/redis: delete idle session: %w", err)
		}
		n += int(removed)
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("inferpool/redis: scan sessions: %w", err)
	}
	return n, nil
}

// deleteIdleScript removes a key if its last_used_at is before ARGV[1].
var deleteIdleScript = goredis.NewScript(`
local last = tonumber(redis.call("HGET", KEYS[1], "last_used_at") or "-1")
if last >= 0 and last < tonumber(ARGV[1]) then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

func parseAssignment(sessionKey string, vals []any) (inferpool.Assignment, error) {
	str := func(v any) string {
		s, _ := v.(string)
		return s
	}
	ms := func(v any) (time.Time, error) {
		n, err := strconv.ParseInt(str(v), 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(n).UTC(), nil
	}

	providerID := str(vals[0])
	if providerID == "" {
		return inferpool.Assignment{}, errors.New("inferpool/redis: session hash without provider_id")
	}
	assignedAt, err := ms(vals[2])
	if err != nil {
		return inferpool.Assignment{}, fmt.Errorf("inferpool/redis: parse assigned_at: %w", err)
	}
	lastUsedAt, err := ms(vals[3])
	if err != nil {
		return inferpool.Assignment{}, fmt.Errorf("inferpool/redis: parse last_used_at: %w", err)
	}

	return inferpool.Assignment{
		SessionKey: sessionKey,
		ProviderID: providerID,
		Intent:     str(vals[1]),
		AssignedAt: assignedAt,
		LastUsedAt: lastUsedAt,
	}, nil
}
