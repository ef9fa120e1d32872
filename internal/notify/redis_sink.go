package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/ledger/internal/domain"
)

// RedisSink keeps the newest events in a capped Redis list for the UI to poll.
type RedisSink struct {
	client *redis.Client
	key    string
	limit  int64
}

func NewRedisSink(addr string, password string, db int, key string) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSink{client: client, key: key, limit: 500}
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) Publish(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.limit-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n events, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]domain.Notification, error) {
	vals, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.Notification, 0, len(vals))
	for _, val := range vals {
		var item domain.Notification
		if err := json.Unmarshal([]byte(val), &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}
