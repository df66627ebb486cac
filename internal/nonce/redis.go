package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs a nonce namespace with Redis. Single-use consumption
// relies on DEL's atomicity: of N concurrent consumers, exactly one
// observes a deleted key. Expiry is enforced by the key TTL.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a Redis-backed store for one namespace.
// The namespace becomes part of the key prefix so login and payment
// tokens never share a key space.
func NewRedisStore(rdb *redis.Client, namespace string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		keyPrefix: "nonce:" + namespace + ":",
		ttl:       ttl,
	}
}

// Dial connects to Redis at the given URL and verifies connectivity.
func Dial(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(token string) string { return s.keyPrefix + token }

func (s *RedisStore) Generate(ctx context.Context) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	// NX guards against the astronomically unlikely collision.
	ok, err := s.rdb.SetNX(ctx, s.key(token), "pending", s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis SETNX nonce: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("nonce collision")
	}
	return token, nil
}

func (s *RedisStore) Register(ctx context.Context, token string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(token), "pending", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX nonce: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Consume(ctx context.Context, token string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("redis DEL nonce: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) IsValid(ctx context.Context, token string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS nonce: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Invalidate(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, s.key(token)).Err()
}

func (s *RedisStore) CountActive(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.keyPrefix+"*", 256).Result()
		if err != nil {
			return 0, fmt.Errorf("redis SCAN nonces: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
