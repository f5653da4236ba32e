package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore remembers the last conversation id per user so a new
// client session picks up where the previous one left off. The id is
// loaded when the client is constructed and saved when a terminal
// frame assigns one.
type SessionStore interface {
	LastConversationID(ctx context.Context, userID string) (string, error)
	SaveConversationID(ctx context.Context, userID, conversationID string) error
}

type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func sessionKey(userID string) string {
	return "chat:last:" + userID
}

func (s *RedisSessionStore) LastConversationID(ctx context.Context, userID string) (string, error) {
	value, err := s.client.Get(ctx, sessionKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("session: load conversation id: %w", err)
	}
	return value, nil
}

func (s *RedisSessionStore) SaveConversationID(ctx context.Context, userID, conversationID string) error {
	if err := s.client.Set(ctx, sessionKey(userID), conversationID, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: save conversation id: %w", err)
	}
	return nil
}
