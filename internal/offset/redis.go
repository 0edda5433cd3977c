package offset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

const defaultRedisKeyPrefix = "dstream:capture:offset:"

// RedisOptions configures the Redis offset store
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	// Key overrides the default key derived from the server name
	Key string
}

// RedisStore keeps the offset under a single Redis key without expiry
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and checks the connection
func NewRedisStore(opts RedisOptions, server string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	key := opts.Key
	if key == "" {
		key = defaultRedisKeyPrefix + server
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) Load(ctx context.Context) (*cdc.Offset, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offset from redis: %w", err)
	}
	return cdc.DecodeOffset(data)
}

func (s *RedisStore) Save(ctx context.Context, offset cdc.Offset) error {
	data, err := cdc.EncodeOffset(offset)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save offset to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
