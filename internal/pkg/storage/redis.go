package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fliqwatch/fliqwatch/internal/pkg/config"
)

const redisSeenKey = "fliqwatch:seen"

// RedisStore keeps seen records in one Redis hash, field per market key.
type RedisStore struct {
	client *redis.Client
}

var _ SeenStore = (*RedisStore)(nil)

func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) IsSeen(ctx context.Context, key, version string) (bool, error) {
	data, err := s.client.HGet(ctx, redisSeenKey, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get seen record: %w", err)
	}
	var rec SeenRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return false, fmt.Errorf("failed to unmarshal seen record: %w", err)
	}
	return rec.Version == version, nil
}

func (s *RedisStore) MarkSeen(ctx context.Context, rec SeenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal seen record: %w", err)
	}
	if err := s.client.HSet(ctx, redisSeenKey, rec.Key(), data).Err(); err != nil {
		return fmt.Errorf("failed to store seen record: %w", err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]SeenRecord, error) {
	entries, err := s.client.HGetAll(ctx, redisSeenKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load seen records: %w", err)
	}
	out := make(map[string]SeenRecord, len(entries))
	for key, data := range entries {
		var rec SeenRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue // Skip invalid data
		}
		out[key] = rec
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, redisSeenKey, key).Err(); err != nil {
		return fmt.Errorf("failed to delete seen record: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
