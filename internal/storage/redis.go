package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/bdeggleston/slogdb/internal/model"
)

// RedisStore is a Store backed by a Redis instance, adapted from the
// teacher's store/redis.go (a hand-rolled RESP client predating go-redis)
// onto the maintained github.com/go-redis/redis/v8 client.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr string, db int, keyPrefix string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: keyPrefix,
	}
}

func (s *RedisStore) rkey(key model.Key) string {
	return s.prefix + key.String()
}

func (s *RedisStore) Get(ctx context.Context, key model.Key) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.rkey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: redis GET %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key model.Key, value []byte) error {
	if err := s.client.Set(ctx, s.rkey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("storage: redis SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key model.Key) error {
	if err := s.client.Del(ctx, s.rkey(key)).Err(); err != nil {
		return fmt.Errorf("storage: redis DEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]model.Key, error) {
	var out []model.Key
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, model.Key(iter.Val()[len(s.prefix):]))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("storage: redis SCAN: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
