package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/credential-pool/internal/types"
)

// RedisCredentialStore keeps the record set in one hash, field = id, value = JSON record.
// It is the lightweight alternative to the Postgres repository.
type RedisCredentialStore struct {
	cache *RedisCache
	key   string
}

// NewRedisCredentialStore creates a store under the cache prefix
func NewRedisCredentialStore(cache *RedisCache) *RedisCredentialStore {
	return &RedisCredentialStore{cache: cache, key: cache.Key("credentials")}
}

// LoadAll returns every stored record ordered by id
func (s *RedisCredentialStore) LoadAll(ctx context.Context) ([]types.Credential, error) {
	fields, err := s.cache.Client().HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	out := make([]types.Credential, 0, len(fields))
	for field, raw := range fields {
		var c types.Credential
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("failed to decode credential %s: %w", field, err)
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// saveAttempts bounds the optimistic transaction retries of SaveAll
const saveAttempts = 5

// SaveAll upserts records in a WATCH transaction. A stored record with a later
// UpdatedAt is kept and the later of both usage stamps survives. Records not in
// records stay.
func (s *RedisCredentialStore) SaveAll(ctx context.Context, records []types.Credential) error {
	if len(records) == 0 {
		return nil
	}

	client := s.cache.Client()
	txf := func(tx *redis.Tx) error {
		stored, err := tx.HGetAll(ctx, s.key).Result()
		if err != nil {
			return err
		}

		values := make(map[string]interface{}, len(records))
		for i := range records {
			rec := records[i]
			field := strconv.FormatUint(rec.ID, 10)
			if raw, ok := stored[field]; ok {
				var current types.Credential
				if err := json.Unmarshal([]byte(raw), &current); err == nil {
					if current.UpdatedAt.After(rec.UpdatedAt) {
						continue
					}
					rec.LastUsedAt = laterOf(rec.LastUsedAt, current.LastUsedAt)
				}
			}
			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("failed to encode credential %d: %w", rec.ID, err)
			}
			values[field] = data
		}
		if len(values) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, values)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		err = client.Watch(ctx, txf, s.key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.After(*a)) {
		return b
	}
	return a
}

// Delete removes a single record. Deleting a missing id is not an error.
func (s *RedisCredentialStore) Delete(ctx context.Context, id uint64) error {
	if err := s.cache.Client().HDel(ctx, s.key, strconv.FormatUint(id, 10)).Err(); err != nil {
		return fmt.Errorf("failed to delete credential %d: %w", id, err)
	}
	return nil
}
