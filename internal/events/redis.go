package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream appends events to a capped Redis stream.
type RedisStream struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStream(rdb redis.UniversalClient, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = "voltsettle:events"
	}
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &RedisStream{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":          e.ID,
			"type":        e.Type,
			"occurred_at": e.OccurredAt.Format(time.RFC3339Nano),
			"data":        data,
		},
	}).Err()
}
