package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	appconfig "chartfeed/config"
	"chartfeed/logger"
	"chartfeed/models"
)

// RedisStore keeps one JSON document per series under a key prefix. A zero
// TTL keeps entries until Clear.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	cfg    appconfig.RedisConfig
	log    *logger.Log
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg appconfig.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.GetLogger().WithComponent("redis_store").WithFields(logger.Fields{
		"addr":   cfg.Addr,
		"db":     cfg.DB,
		"prefix": cfg.Prefix,
	}).Info("redis store initialized")

	return &RedisStore{rdb: rdb, prefix: cfg.Prefix, cfg: cfg, log: logger.GetLogger()}, nil
}

func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) key(key models.SeriesKey) string {
	return s.prefix + key.String()
}

func (s *RedisStore) Get(ctx context.Context, key models.SeriesKey) (*models.CacheEntry, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	entry.Key = key
	return &entry, nil
}

func (s *RedisStore) Put(ctx context.Context, key models.SeriesKey, entry *models.CacheEntry) error {
	if entry == nil || len(entry.Bars) == 0 {
		return nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, s.key(key), b, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Clear scans the prefix and deletes what it finds in batches.
func (s *RedisStore) Clear(ctx context.Context) error {
	const batch = 256

	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", batch).Iterator()
	keys := make([]string, 0, batch)
	deleted := 0
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		deleted += len(keys)
		keys = keys[:0]
		return nil
	}

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == batch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	s.log.WithComponent("redis_store").WithFields(logger.Fields{"deleted": deleted}).Info("redis store cleared")
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
