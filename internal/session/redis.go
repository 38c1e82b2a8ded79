package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "hubbridge:session:"
	subjectPrefix = "hubbridge:subject:"
	revokedPrefix = "hubbridge:revoked:"
)

// RedisStore backs the session cache with Redis so multiple bridge replicas
// share verification results.
type RedisStore struct {
	client *redis.Client
	maxTTL time.Duration
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, maxTTL time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, maxTTL: maxTTL, now: time.Now}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*VerifiedSession, error) {
	data, err := s.client.Get(ctx, sessionPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var sess VerifiedSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	// Redis TTL handles eviction, but guard against clock drift anyway.
	if !s.now().Before(sess.NotAfter) {
		return nil, nil
	}
	return &sess, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, sess *VerifiedSession) error {
	ttl := s.maxTTL
	if remaining := sess.NotAfter.Sub(s.now()) - expirySkew; remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionPrefix+key, data, ttl)
	pipe.SAdd(ctx, subjectPrefix+sess.Subject, key)
	pipe.Expire(ctx, subjectPrefix+sess.Subject, s.maxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Invalidate implements Store.
func (s *RedisStore) Invalidate(ctx context.Context, subject string) error {
	keys, err := s.client.SMembers(ctx, subjectPrefix+subject).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis smembers: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, sessionPrefix+key)
	}
	pipe.Del(ctx, subjectPrefix+subject)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	return nil
}

// Revoke implements Store. Redis expiry bounds the tombstone to the token's
// remaining lifetime.
func (s *RedisStore) Revoke(ctx context.Context, key string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, revokedPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

// IsRevoked implements Store.
func (s *RedisStore) IsRevoked(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis revoked check: %w", err)
	}
	return n > 0, nil
}

// Ping checks connectivity, used by the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
