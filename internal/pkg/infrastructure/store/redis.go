package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

type Config struct {
	addr     string
	password string
	db       int
}

func NewConfig(addr, password string, db int) Config {
	return Config{
		addr:     addr,
		password: password,
		db:       db,
	}
}

// RedisStore maps logical paths onto redis keys. Documents are stored as
// json strings under their path. Each collection keeps a sorted set at
// idx:{collection} scored by the child document's timestamp field, which
// backs QueryRange and TrimRange. Change notification uses one pub/sub
// channel per path, with an empty payload signalling deletion.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, config Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.addr,
		Password: config.password,
		DB:       config.db,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func indexKey(collection string) string {
	return "idx:" + collection
}

func (s *RedisStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	b, err := s.client.Get(ctx, path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	return json.RawMessage(b), nil
}

func (s *RedisStore) Write(ctx context.Context, path string, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	err = s.client.Set(ctx, path, doc, 0).Err()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	if parent, leaf, ok := splitPath(path); ok {
		if score, ok := orderValue(doc, "timestamp"); ok {
			err = s.client.ZAdd(ctx, indexKey(parent), &redis.Z{Score: score, Member: leaf}).Err()
			if err != nil {
				return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
			}
		}
	}

	return s.client.Publish(ctx, path, doc).Err()
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	err := s.client.Del(ctx, path).Err()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	if parent, leaf, ok := splitPath(path); ok {
		err = s.client.ZRem(ctx, indexKey(parent), leaf).Err()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
		}
	}

	return s.client.Publish(ctx, path, "").Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, onChange func(json.RawMessage), onError func(error)) (func(), error) {
	current, err := s.Read(ctx, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSubscription, err.Error())
	}

	pubsub := s.client.Subscribe(ctx, path)
	_, err = pubsub.Receive(ctx)
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: %s", ErrSubscription, err.Error())
	}

	onChange(current)

	go func() {
		for msg := range pubsub.Channel() {
			if msg.Payload == "" {
				onChange(nil)
				continue
			}
			onChange(json.RawMessage(msg.Payload))
		}
	}()

	return func() {
		err := pubsub.Close()
		if err != nil && onError != nil {
			onError(err)
		}
	}, nil
}

func (s *RedisStore) QueryRange(ctx context.Context, path, orderField string, limitLast int) ([]json.RawMessage, error) {
	if orderField != "timestamp" {
		return nil, fmt.Errorf("%w: %s", ErrBadOrderBy, orderField)
	}
	if limitLast <= 0 {
		return []json.RawMessage{}, nil
	}

	leaves, err := s.client.ZRevRange(ctx, indexKey(path), 0, int64(limitLast-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	if len(leaves) == 0 {
		return []json.RawMessage{}, nil
	}

	keys := make([]string, len(leaves))
	for i, leaf := range leaves {
		keys[i] = path + "/" + leaf
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	// leaves arrive newest first, result contract is ascending store order
	result := make([]json.RawMessage, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		str, ok := values[i].(string)
		if !ok {
			continue
		}
		result = append(result, json.RawMessage(str))
	}

	return result, nil
}

func (s *RedisStore) TrimRange(ctx context.Context, path string, keepLast int) (int, error) {
	if keepLast < 0 {
		return 0, nil
	}

	count, err := s.client.ZCard(ctx, indexKey(path)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	excess := int(count) - keepLast
	if excess <= 0 {
		return 0, nil
	}

	leaves, err := s.client.ZRange(ctx, indexKey(path), 0, int64(excess-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	keys := make([]string, len(leaves))
	for i, leaf := range leaves {
		keys[i] = path + "/" + leaf
	}

	err = s.client.Del(ctx, keys...).Err()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	err = s.client.ZRemRangeByRank(ctx, indexKey(path), 0, int64(excess-1)).Err()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	return len(leaves), nil
}
