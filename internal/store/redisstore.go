// RedisStore is the "shared-store" tier from spec §4.8: external key/value
// service; audit appends run in one MULTI/EXEC transaction. It reuses the teacher's
// connection-and-degrade-gracefully posture from internal/cache/exact.go
// (bounded per-call timeouts, Get misses degrade to "not found" rather than
// erroring) but adds real durability for keys and the audit chain, which
// the teacher's Redis cache never needed.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

const (
	redisKeysKey    = "ditto:keys"
	redisAuditZSet  = "ditto:audit:index" // score = id, member = record id (string)
	redisAuditHash  = "ditto:audit:records"
	redisCachePfx   = "ditto:cache:"
	redisCallTimeout = 2 * time.Second
)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) ReplaceKeys(ctx context.Context, keys []domain.VirtualKey) error {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("redisstore: marshal keys: %w", err)
	}
	return s.rdb.Set(ctx, redisKeysKey, data, 0).Err()
}

func (s *RedisStore) LoadKeys(ctx context.Context) ([]domain.VirtualKey, error) {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	data, err := s.rdb.Get(ctx, redisKeysKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redisstore: get keys: %w", err)
	}
	var keys []domain.VirtualKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal keys: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) AppendAudit(ctx context.Context, rec audit.Record) error {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: marshal audit record: %w", err)
	}
	member := fmt.Sprintf("%d", rec.ID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, redisAuditHash, member, data)
	pipe.ZAdd(ctx, redisAuditZSet, redis.Z{Score: float64(rec.ID), Member: member})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAudit(ctx context.Context, sinceTSMs, beforeTSMs int64, limit int) ([]audit.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	members, err := s.rdb.ZRange(ctx, redisAuditZSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: zrange audit: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	raws, err := s.rdb.HMGet(ctx, redisAuditHash, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: hmget audit: %w", err)
	}
	var out []audit.Record
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		if sinceTSMs > 0 && rec.TSMillis < sinceTSMs {
			continue
		}
		if beforeTSMs > 0 && rec.TSMillis >= beforeTSMs {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) LastAuditRecord(ctx context.Context) (audit.Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	members, err := s.rdb.ZRevRange(ctx, redisAuditZSet, 0, 0).Result()
	if err != nil || len(members) == 0 {
		return audit.Record{}, false, nil
	}
	raw, err := s.rdb.HGet(ctx, redisAuditHash, members[0]).Result()
	if err != nil {
		return audit.Record{}, false, nil
	}
	var rec audit.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return audit.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) CacheGet(ctx context.Context, key string) (domain.CachedProxyResponse, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	data, err := s.rdb.Get(ctx, redisCachePfx+key).Bytes()
	if err != nil {
		return domain.CachedProxyResponse{}, false, nil // miss or Redis error: degrade gracefully
	}
	var resp domain.CachedProxyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return domain.CachedProxyResponse{}, false, nil
	}
	return resp, true, nil
}

func (s *RedisStore) CacheSet(ctx context.Context, key string, resp domain.CachedProxyResponse, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	data, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	_ = s.rdb.Set(ctx, redisCachePfx+key, data, ttl).Err() // always nil: graceful degradation
	return nil
}

func (s *RedisStore) CacheDelete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	return s.rdb.Del(ctx, redisCachePfx+key).Err()
}

func (s *RedisStore) CacheClear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	iter := s.rdb.Scan(ctx, 0, redisCachePfx+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
