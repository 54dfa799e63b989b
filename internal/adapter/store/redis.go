package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"agentswarm/internal/domain"
)

// RedisClient is the subset of Redis operations the store needs.
// Abstracted so tests can use a fake.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte) error
	// Get returns (nil, false, nil) when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// RedisStore implements domain.KVStore on Redis, giving other processes
// visibility into agent state. Keys are namespaced by a prefix.
type RedisStore struct {
	client    RedisClient
	namespace string
}

// NewRedisStore wraps client. namespace is prepended to every key.
func NewRedisStore(client RedisClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(k string) string { return s.namespace + k }

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value); err != nil {
		return fmt.Errorf("redis put %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	if !ok {
		return nil, domain.NewSubSystemError("store", "RedisStore.Get", domain.ErrNotFound, key)
	}
	return v, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)); err != nil {
		return fmt.Errorf("redis delete %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	raw, err := s.client.ScanPrefix(ctx, s.key(prefix))
	if err != nil {
		return nil, fmt.Errorf("redis list %q: %w", prefix, err)
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, s.namespace))
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// goRedisClient adapts a go-redis client to RedisClient.
type goRedisClient struct {
	client *goredis.Client
}

// DialRedis connects to the Redis server at url (redis://...) and verifies it
// with a PING.
func DialRedis(ctx context.Context, url string) (RedisClient, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &goRedisClient{client: client}, nil
}

func (r *goRedisClient) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *goRedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *goRedisClient) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *goRedisClient) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *goRedisClient) Close() error {
	return r.client.Close()
}
