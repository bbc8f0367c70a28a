package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

// KeyValue is a small string table that is read and replaced as a whole.
// Update runs fn inside a mutual-exclusion region: concurrent updates never
// observe the same snapshot and both commit. fn may run more than once when a
// backend retries, so it must derive all of its effects from the map it is given.
type KeyValue interface {
	Load(ctx context.Context) (map[string]string, error)
	Update(ctx context.Context, fn func(m map[string]string) error) error
}

type fileKeyValue struct {
	f *JSONFile[map[string]string]
}

// NewFileKeyValue stores the table as a JSON object in path.
func NewFileKeyValue(fsys afero.Fs, path string) KeyValue {
	return &fileKeyValue{f: NewJSONFile[map[string]string](fsys, path)}
}

func (kv *fileKeyValue) Load(ctx context.Context) (map[string]string, error) {
	m, err := kv.f.Read(ctx)
	if err != nil {
		return nil, err
	}

	if m == nil {
		m = make(map[string]string)
	}

	return m, nil
}

func (kv *fileKeyValue) Update(ctx context.Context, fn func(m map[string]string) error) error {
	return kv.f.Update(ctx, func(m *map[string]string) error {
		if *m == nil {
			*m = make(map[string]string)
		}

		return fn(*m)
	})
}

const maxUpdateAttempts = 64

type redisKeyValue struct {
	redis redis.UniversalClient
	key   string
}

// NewRedisKeyValue stores the table as a redis hash. Updates are optimistic
// transactions (WATCH/MULTI/EXEC) retried when another writer got there first.
func NewRedisKeyValue(r redis.UniversalClient, key string) KeyValue {
	return &redisKeyValue{
		redis: r,
		key:   key,
	}
}

func (kv *redisKeyValue) Load(ctx context.Context) (map[string]string, error) {
	m, err := kv.redis.HGetAll(ctx, kv.key).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: hgetall %s: %w", kv.key, err)
	}

	return m, nil
}

func (kv *redisKeyValue) Update(ctx context.Context, fn func(m map[string]string) error) error {
	txf := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, kv.key).Result()
		if err != nil {
			return fmt.Errorf("storage: hgetall %s: %w", kv.key, err)
		}

		if err := fn(m); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, kv.key)
			if len(m) > 0 {
				pipe.HSet(ctx, kv.key, m)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := kv.redis.Watch(ctx, txf, kv.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("storage: update %s: gave up after %d conflicting attempts", kv.key, maxUpdateAttempts)
}
