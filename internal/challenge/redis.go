package challenge

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "voltsettle:challenge:"

// RedisStore lets every API replica consume a nonce issued by any other.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Put(ctx context.Context, nonce, investorID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, keyPrefix+nonce, investorID, ttl).Err()
}

func (s *RedisStore) Take(ctx context.Context, nonce string) (string, bool, error) {
	val, err := s.rdb.GetDel(ctx, keyPrefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
