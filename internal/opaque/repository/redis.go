package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"opaque-idp/internal/opaque/domain"
)

const loginSessionKeyPrefix = "opaque:login:"

// RedisLoginSessionStore keeps login handshakes in Redis with a native TTL.
type RedisLoginSessionStore struct {
	client *redis.Client
	nowF   func() time.Time
}

// NewRedisLoginSessionStore returns a login-session store backed by client.
func NewRedisLoginSessionStore(client *redis.Client) *RedisLoginSessionStore {
	return &RedisLoginSessionStore{client: client, nowF: time.Now}
}

func loginSessionKey(id string) string { return loginSessionKeyPrefix + id }

func (r *RedisLoginSessionStore) Create(ctx context.Context, s *domain.LoginSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal login session: %w", err)
	}
	ttl := s.ExpiresAt.Sub(r.nowF())
	if ttl <= 0 {
		return fmt.Errorf("login session already expired")
	}
	if err := r.client.Set(ctx, loginSessionKey(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set login session: %w", err)
	}
	return nil
}

// Consume uses GETDEL so concurrent finishers cannot both obtain the state.
func (r *RedisLoginSessionStore) Consume(ctx context.Context, id string) (*domain.LoginSession, error) {
	data, err := r.client.GetDel(ctx, loginSessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getdel login session: %w", err)
	}
	var s domain.LoginSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal login session: %w", err)
	}
	return &s, nil
}

// DeleteExpired is a no-op: Redis expires keys itself.
func (r *RedisLoginSessionStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
