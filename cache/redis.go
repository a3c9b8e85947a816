package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces Redis keys when WithPrefix is not set.
const DefaultRedisPrefix = "querycache"

// Entry hash field names. Kept short since they are stored per entry.
const (
	fieldPayload   = "p"
	fieldTemplate  = "t"
	fieldCategory  = "c"
	fieldCreatedAt = "ca"
	fieldExpiresAt = "ea"
	fieldHits      = "h"
)

// touchScript increments the hit counter only while the entry exists, so a
// touch racing an expiry cannot resurrect the key as a stray hash.
var touchScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("HINCRBY", KEYS[1], "h", 1)
end
return 0`)

// expireScript deletes the entry only while it is still past expiry, so a
// concurrent refresh that just replaced it survives.
var expireScript = redis.NewScript(`
local ea = redis.call("HGET", KEYS[1], "ea")
if ea and tonumber(ea) < tonumber(ARGV[1]) then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisStore struct {
	rdb *redis.Client
	cfg config
	ns  string
}

var _ Store = (*redisStore)(nil)

// NewRedisStore returns a Store backed by Redis, for sharing one cache
// across processes. Entries are hashes under "<prefix>:entry:<key>" with a
// native TTL; set indexes under "<prefix>:idx:" drive category
// invalidation. The caller owns rdb and closes it after the store.
func NewRedisStore(ctx context.Context, rdb *redis.Client, opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}
	ns := cfg.prefix
	if ns == "" {
		ns = DefaultRedisPrefix
	}
	return &redisStore{rdb: rdb, cfg: cfg, ns: ns}, nil
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *redisStore) entryKey(key string) string  { return s.ns + ":entry:" + key }
func (s *redisStore) entriesIdx() string          { return s.ns + ":idx:entries" }
func (s *redisStore) categoriesIdx() string       { return s.ns + ":idx:categories" }
func (s *redisStore) categoryIdx(c string) string { return s.ns + ":idx:category:" + c }

func (s *redisStore) Get(ctx context.Context, key string, now time.Time) (bool, *Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	m, err := s.rdb.HGetAll(qctx, s.entryKey(key)).Result()
	if err != nil {
		return false, nil, err
	}
	if len(m) == 0 {
		return false, nil, nil
	}
	e, err := entryFromHash(key, m)
	if err != nil {
		return false, nil, err
	}
	if e.Expired(now) {
		// The native TTL normally reaps first; this covers clock skew.
		// Index cleanup is left to PurgeExpired.
		_ = expireScript.Run(qctx, s.rdb, []string{s.entryKey(key)}, now.UnixNano()).Err()
		return false, nil, nil
	}
	return true, e, nil
}

func (s *redisStore) Put(ctx context.Context, e *Entry) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	key := s.entryKey(e.Key)
	oldCat, err := s.rdb.HGet(qctx, key, fieldCategory).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	// HSETNX keeps the original creation time on overwrite; HINCRBY gives
	// hits = 1 on insert and a bump on overwrite.
	_, err = s.rdb.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(qctx, key,
			fieldPayload, e.Payload,
			fieldTemplate, e.QueryTemplate,
			fieldCategory, e.Category,
			fieldExpiresAt, e.ExpiresAt.UnixNano())
		pipe.HSetNX(qctx, key, fieldCreatedAt, e.CreatedAt.UnixNano())
		pipe.HIncrBy(qctx, key, fieldHits, 1)
		pipe.PExpireAt(qctx, key, e.ExpiresAt)
		pipe.SAdd(qctx, s.entriesIdx(), e.Key)
		if e.Category != "" {
			pipe.SAdd(qctx, s.categoriesIdx(), e.Category)
			pipe.SAdd(qctx, s.categoryIdx(e.Category), e.Key)
		}
		if oldCat != "" && oldCat != e.Category {
			pipe.SRem(qctx, s.categoryIdx(oldCat), e.Key)
		}
		return nil
	})
	return err
}

func (s *redisStore) Touch(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return touchScript.Run(qctx, s.rdb, []string{s.entryKey(key)}).Err()
}

func (s *redisStore) Hits(ctx context.Context, key string) (bool, int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	hits, err := s.rdb.HGet(qctx, s.entryKey(key), fieldHits).Int64()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, hits, nil
}

func (s *redisStore) DeleteCategory(ctx context.Context, category string) (int64, error) {
	if category == "" {
		return 0, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.deleteCategory(qctx, category)
}

func (s *redisStore) deleteCategory(ctx context.Context, category string) (int64, error) {
	keys, err := s.rdb.SMembers(ctx, s.categoryIdx(category)).Result()
	if err != nil {
		return 0, err
	}
	var removed int64
	if len(keys) > 0 {
		removed, err = s.rdb.Del(ctx, s.entryKeys(keys)...).Result()
		if err != nil {
			return 0, err
		}
		if err := s.rdb.SRem(ctx, s.entriesIdx(), toMembers(keys)...).Err(); err != nil {
			return removed, err
		}
	}
	if err := s.rdb.Del(ctx, s.categoryIdx(category)).Err(); err != nil {
		return removed, err
	}
	if err := s.rdb.SRem(ctx, s.categoriesIdx(), category).Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *redisStore) DeleteSource(ctx context.Context, source string) (int64, error) {
	if source == "" {
		return 0, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	cats, err := s.rdb.SMembers(qctx, s.categoriesIdx()).Result()
	if err != nil {
		return 0, err
	}
	prefix := source + ":"
	var removed int64
	for _, cat := range cats {
		if cat != source && !strings.HasPrefix(cat, prefix) {
			continue
		}
		n, err := s.deleteCategory(qctx, cat)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// PurgeExpired removes entries past their expiry that the native TTL has
// not reaped yet, and drops index members whose entry is already gone.
func (s *redisStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	keys, err := s.rdb.SMembers(qctx, s.entriesIdx()).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	cmds := make([]*redis.StringCmd, len(keys))
	if _, err := s.rdb.Pipelined(qctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGet(qctx, s.entryKey(k), fieldExpiresAt)
		}
		return nil
	}); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	var dead []string
	for i, k := range keys {
		ea, err := cmds[i].Int64()
		if errors.Is(err, redis.Nil) {
			dead = append(dead, k)
			continue
		}
		if err != nil {
			return 0, err
		}
		if ea < now.UnixNano() {
			dead = append(dead, k)
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}

	if err := s.rdb.Del(qctx, s.entryKeys(dead)...).Err(); err != nil {
		return 0, err
	}
	if err := s.rdb.SRem(qctx, s.entriesIdx(), toMembers(dead)...).Err(); err != nil {
		return 0, err
	}

	removed := int64(len(dead))
	cats, err := s.rdb.SMembers(qctx, s.categoriesIdx()).Result()
	if err != nil {
		return removed, err
	}
	for _, cat := range cats {
		if err := s.rdb.SRem(qctx, s.categoryIdx(cat), toMembers(dead)...).Err(); err != nil {
			return removed, err
		}
		n, err := s.rdb.SCard(qctx, s.categoryIdx(cat)).Result()
		if err != nil {
			return removed, err
		}
		if n == 0 {
			if err := s.rdb.Del(qctx, s.categoryIdx(cat)).Err(); err != nil {
				return removed, err
			}
			if err := s.rdb.SRem(qctx, s.categoriesIdx(), cat).Err(); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

func (s *redisStore) Clear(ctx context.Context) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	keys, err := s.rdb.SMembers(qctx, s.entriesIdx()).Result()
	if err != nil {
		return 0, err
	}
	var removed int64
	if len(keys) > 0 {
		removed, err = s.rdb.Del(qctx, s.entryKeys(keys)...).Result()
		if err != nil {
			return 0, err
		}
	}
	cats, err := s.rdb.SMembers(qctx, s.categoriesIdx()).Result()
	if err != nil {
		return removed, err
	}
	for _, cat := range cats {
		if err := s.rdb.Del(qctx, s.categoryIdx(cat)).Err(); err != nil {
			return removed, err
		}
	}
	if err := s.rdb.Del(qctx, s.entriesIdx(), s.categoriesIdx()).Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *redisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	keys, err := s.rdb.SMembers(qctx, s.entriesIdx()).Result()
	if err != nil {
		return Stats{}, err
	}
	if len(keys) == 0 {
		return Stats{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	if _, err := s.rdb.Pipelined(qctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(qctx, s.entryKey(k))
		}
		return nil
	}); err != nil {
		return Stats{}, err
	}

	var stats Stats
	var totalHits int64
	var oldest, newest time.Time
	for i, k := range keys {
		m, err := cmds[i].Result()
		if err != nil {
			return Stats{}, err
		}
		if len(m) == 0 {
			// Reaped by the native TTL but still indexed.
			continue
		}
		e, err := entryFromHash(k, m)
		if err != nil {
			return Stats{}, err
		}
		stats.Entries++
		if e.Expired(now) {
			stats.Expired++
		}
		stats.PayloadBytes += int64(len(e.Payload))
		totalHits += e.Hits
		if e.Hits > stats.MaxHits {
			stats.MaxHits = e.Hits
		}
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
		if newest.IsZero() || e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
	}
	if stats.Entries > 0 {
		stats.AvgHits = float64(totalHits) / float64(stats.Entries)
		stats.OldestAge = now.Sub(oldest)
		stats.NewestAge = now.Sub(newest)
	}
	return stats, nil
}

// Close is a no-op; the caller owns the Redis client.
func (s *redisStore) Close() error {
	return nil
}

func (s *redisStore) entryKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.entryKey(k)
	}
	return out
}

func toMembers(keys []string) []any {
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	return members
}

func entryFromHash(key string, m map[string]string) (*Entry, error) {
	createdAt, err := strconv.ParseInt(m[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache: malformed redis entry %s: %w", key, err)
	}
	expiresAt, err := strconv.ParseInt(m[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache: malformed redis entry %s: %w", key, err)
	}
	hits, err := strconv.ParseInt(m[fieldHits], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache: malformed redis entry %s: %w", key, err)
	}
	return &Entry{
		Key:           key,
		QueryTemplate: m[fieldTemplate],
		Payload:       []byte(m[fieldPayload]),
		Category:      m[fieldCategory],
		CreatedAt:     time.Unix(0, createdAt),
		ExpiresAt:     time.Unix(0, expiresAt),
		Hits:          hits,
	}, nil
}
