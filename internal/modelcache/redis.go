package modelcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/reims/reims-ai/internal/models"
)

const (
	redisKeyPrefix = "reims:model:"
	redisIndexKey  = "reims:model:index"
)

// Hash fields. The immutable part of a record lives as JSON under
// fieldRecord; the bookkeeping fields override what the JSON holds.
const (
	fieldRecord         = "record"
	fieldUseCount       = "use_count"
	fieldLastUsedAt     = "last_used_at"
	fieldActive         = "is_active"
	fieldInactiveReason = "inactive_reason"
)

// touchScript bumps bookkeeping on an existing record only; a record that
// expired in the meantime is not resurrected as a partial hash.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HINCRBY', KEYS[1], 'use_count', 1)
redis.call('HSET', KEYS[1], 'last_used_at', ARGV[1])
return 1
`)

var deactivateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'is_active', 'false', 'inactive_reason', ARGV[1])
return 1
`)

// RedisStore keeps each record as a hash. A record's Redis TTL follows its
// ExpiresAt, so expired models disappear on their own; the index set lets
// List, Invalidate and Prune enumerate keys without SCAN. Put replaces the
// whole hash in one MULTI; Touch and Deactivate change single fields
// server-side and never rewrite the payload.
type RedisStore struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisStore connects to addr.
func NewRedisStore(addr string) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client when it owns a connection pool.
func (s *RedisStore) Close() error {
	if c, ok := s.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func redisKey(key string) string { return redisKeyPrefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	raw, ok := fields[fieldRecord]
	if !ok {
		return nil, models.ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%w: redis record %s: %v", models.ErrCacheCorruption, key, err)
	}
	if err := applyBookkeeping(&rec, fields); err != nil {
		return nil, fmt.Errorf("%w: redis record %s: %v", models.ErrCacheCorruption, key, err)
	}
	return &rec, nil
}

func applyBookkeeping(rec *Record, fields map[string]string) error {
	var err error
	if v, ok := fields[fieldUseCount]; ok {
		if rec.UseCount, err = cast.ToInt64E(v); err != nil {
			return fmt.Errorf("%s: %w", fieldUseCount, err)
		}
	}
	if v, ok := fields[fieldLastUsedAt]; ok {
		if rec.LastUsedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return fmt.Errorf("%s: %w", fieldLastUsedAt, err)
		}
	}
	if v, ok := fields[fieldActive]; ok {
		if rec.Active, err = cast.ToBoolE(v); err != nil {
			return fmt.Errorf("%s: %w", fieldActive, err)
		}
	}
	if v, ok := fields[fieldInactiveReason]; ok {
		rec.InactiveReason = v
	}
	return nil
}

// Put replaces the record and its index entry in one transaction, with a TTL
// matching its expiry.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	k := redisKey(rec.Key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k,
			fieldRecord, string(raw),
			fieldUseCount, cast.ToString(rec.UseCount),
			fieldLastUsedAt, rec.LastUsedAt.UTC().Format(time.RFC3339Nano),
			fieldActive, cast.ToString(rec.Active),
			fieldInactiveReason, rec.InactiveReason,
		)
		pipe.Expire(ctx, k, ttl)
		pipe.SAdd(ctx, redisIndexKey, rec.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", rec.Key, err)
	}
	return nil
}

// runOnRecord runs a bookkeeping script against key; ErrNotFound when the
// record is gone.
func (s *RedisStore) runOnRecord(ctx context.Context, script *redis.Script, key string, args ...interface{}) error {
	n, err := script.Run(ctx, s.client, []string{redisKey(key)}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis update %s: %w", key, err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, key string, at time.Time) error {
	return s.runOnRecord(ctx, touchScript, key, at.UTC().Format(time.RFC3339Nano))
}

func (s *RedisStore) Deactivate(ctx context.Context, key, reason string) error {
	return s.runOnRecord(ctx, deactivateScript, key, reason)
}

func (s *RedisStore) Invalidate(ctx context.Context, scope, modelType, reason string) (int, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !rec.Active || !rec.Matches(scope, modelType) {
			continue
		}
		if err := s.Deactivate(ctx, rec.Key, reason); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// List returns indexed records; index entries whose value expired are
// dropped from the index.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	keys, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list index: %w", err)
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.Get(ctx, k)
		if errors.Is(err, models.ErrNotFound) {
			if err := s.client.SRem(ctx, redisIndexKey, k).Err(); err != nil {
				return nil, fmt.Errorf("redis unindex %s: %w", k, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *RedisStore) Prune(ctx context.Context, now time.Time) (int, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Active && !rec.Expired(now) {
			continue
		}
		if err := s.client.Del(ctx, redisKey(rec.Key)).Err(); err != nil {
			return n, fmt.Errorf("redis del %s: %w", rec.Key, err)
		}
		if err := s.client.SRem(ctx, redisIndexKey, rec.Key).Err(); err != nil {
			return n, fmt.Errorf("redis unindex %s: %w", rec.Key, err)
		}
		n++
	}
	return n, nil
}
