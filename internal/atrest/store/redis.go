package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/common/config"
)

// RedisStore keeps blobs in Redis under a key prefix, optionally expiring
// them after a TTL.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(logger *zap.Logger, cfg config.RedisStorageConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "atrest"
	}
	return &RedisStore{
		logger: logger.Named("atrest.store.redis"),
		client: client,
		prefix: prefix + ":",
		ttl:    cfg.TTL,
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, entityID string, blob string) error {
	return s.client.Set(ctx, s.prefix+entityID, blob, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, entityID string) (string, error) {
	blob, err := s.client.Get(ctx, s.prefix+entityID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return blob, nil
}

func (s *RedisStore) Delete(ctx context.Context, entityID string) error {
	return s.client.Del(ctx, s.prefix+entityID).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			ids = append(ids, key[len(s.prefix):])
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
