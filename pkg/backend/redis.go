package backend

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/enginekit/substrate/pkg/models"
)

// redisMemoryStore backs the memory_store kind with Redis. TTLs map
// directly to key expiry; zero TTL means no expiry.
type redisMemoryStore struct {
	client *redis.Client
	prefix string
}

// newRedisMemoryStore builds a client from route config: addr (required),
// db, password, key_prefix.
func newRedisMemoryStore(config map[string]string, prefix string) (*redisMemoryStore, error) {
	addr := config["addr"]
	if addr == "" {
		return nil, errors.New("redis route config requires addr")
	}
	db := 0
	if raw := config["db"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("redis route config db must be an integer")
		}
		db = parsed
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config["password"],
		DB:       db,
	})
	if p := config["key_prefix"]; p != "" {
		prefix = p + prefix
	}
	return &redisMemoryStore{client: client, prefix: prefix}, nil
}

func (s *redisMemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return models.ErrBackendUnavailable(models.KindMemoryStore, err)
	}
	return nil
}

func (s *redisMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, models.ErrBackendUnavailable(models.KindMemoryStore, err)
	}
	return val, true, nil
}

func (s *redisMemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return models.ErrBackendUnavailable(models.KindMemoryStore, err)
	}
	return nil
}

// Close releases the underlying client. Called when the factory evicts a
// stale adapter after a route switch.
func (s *redisMemoryStore) Close() error {
	return s.client.Close()
}
