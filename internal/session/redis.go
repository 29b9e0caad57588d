package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

const keyPrefix = "session:"

// RedisStore keeps sessions in redis with a TTL. Fast path for the hot
// read-modify-write cycle; durability comes from the sqlite fallback.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps a redis client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, sender string) (*models.Session, error) {
	val, err := s.client.Get(ctx, keyPrefix+sender).Result()
	if err == redis.Nil {
		return models.NewSession(sender), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+sess.Sender, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sender string) error {
	if err := s.client.Del(ctx, keyPrefix+sender).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}
