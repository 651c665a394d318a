package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyType namespaces Redis keys by their purpose.
type KeyType string

const (
	SESSION_INFO KeyType = "dialer:voice:session:info"
	DIAL_QUEUE   KeyType = "dialer:dispatch:jobs"
)

// RedisConfig holds connection parameters for the Redis service.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

var ErrKeyNotExist = redis.Nil

// ServiceInterface is the subset of Redis operations the dialer uses. The
// dispatch queue rides on a list; session bookkeeping uses plain keys and
// pub/sub for cross-pod cleanup.
type ServiceInterface interface {
	GenerateKey(keyType KeyType, identifier string) string
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key string, value string, ttl time.Duration) error
	DelValue(ctx context.Context, key string) error
	PushJob(ctx context.Context, queue string, payload interface{}) error
	PopJob(ctx context.Context, queue string, timeout time.Duration) (string, error)
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string, handler func(string)) error
	Close() error
}

// Service wraps a go-redis client.
type Service struct {
	client *redis.Client
}

// NewService connects to Redis and verifies the connection.
func NewService(config *RedisConfig) (*Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Service{client: client}, nil
}

// GenerateKey builds a namespaced Redis key.
func (r *Service) GenerateKey(keyType KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", string(keyType), identifier)
}

// GetValue gets a value from Redis by key.
func (r *Service) GetValue(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// SetValue sets a value in Redis with TTL.
func (r *Service) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// DelValue deletes a value from Redis by key.
func (r *Service) DelValue(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// PushJob appends a JSON-encoded job to the tail of a queue list.
func (r *Service) PushJob(ctx context.Context, queue string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return r.client.LPush(ctx, queue, data).Err()
}

// PopJob blocks until a job is available or the timeout elapses. A timeout
// returns ErrKeyNotExist so callers can poll in a loop without special cases.
func (r *Service) PopJob(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", ErrKeyNotExist
	}
	return res[1], nil
}

// Publish publishes a JSON-encoded message to a Redis channel.
func (r *Service) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a Redis channel and handles incoming messages on a
// background goroutine until the context is cancelled.
func (r *Service) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	pubsub := r.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()

	return nil
}

// Close releases the underlying client.
func (r *Service) Close() error {
	return r.client.Close()
}
