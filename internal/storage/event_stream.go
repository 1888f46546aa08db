package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/credential-pool/internal/pool"
)

// RedisEventStream publishes pool events to a capped Redis stream
type RedisEventStream struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedisEventStream creates a stream sink. maxLen <= 0 leaves the stream uncapped.
func NewRedisEventStream(cache *RedisCache, key string, maxLen int64) *RedisEventStream {
	return &RedisEventStream{client: cache.Client(), key: key, maxLen: maxLen}
}

// Publish appends event to the stream
func (s *RedisEventStream) Publish(ctx context.Context, event pool.Event) error {
	values := map[string]interface{}{
		"id":           event.ID,
		"type":         string(event.Type),
		"credentialId": strconv.FormatUint(event.CredentialID, 10),
		"timestamp":    event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		values["data"] = string(data)
	}

	args := &redis.XAddArgs{Stream: s.key, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Recent returns up to n events, newest first
func (s *RedisEventStream) Recent(ctx context.Context, n int64) ([]pool.Event, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.key, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	out := make([]pool.Event, 0, len(msgs))
	for _, msg := range msgs {
		event, err := decodeEvent(msg.Values)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", msg.ID, err)
		}
		out = append(out, event)
	}
	return out, nil
}

func decodeEvent(values map[string]interface{}) (pool.Event, error) {
	str := func(k string) string {
		v, _ := values[k].(string)
		return v
	}

	var event pool.Event
	event.ID = str("id")
	event.Type = pool.EventType(str("type"))

	id, err := strconv.ParseUint(str("credentialId"), 10, 64)
	if err != nil {
		return event, err
	}
	event.CredentialID = id

	if ts := str("timestamp"); ts != "" {
		if event.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return event, err
		}
	}
	if data := str("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
			return event, err
		}
	}
	return event, nil
}
