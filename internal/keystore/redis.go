package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "taulink:keys"

// RedisStore shares records between agents through one Redis instance.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("keystore: redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("keystore: redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(category Category, id Identity) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, category, id.Key())
}

func (s *RedisStore) Save(ctx context.Context, category Category, id Identity, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey(category, id), raw, 0).Err()
}

func (s *RedisStore) Load(ctx context.Context, category Category, id Identity) (Record, error) {
	raw, err := s.client.Get(ctx, redisKey(category, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return rec, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
