package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisScanCount = 200

// redisHashStorage 每条记录是一个 redis hash, 字段值是 json 字符串
type redisHashStorage struct {
	redisClient redis.Cmdable
	keyPrefix   string
}

type RedisHashStorageOption func(*redisHashStorage)

// WithRedisKeyPrefix 多套环境共用一个 redis 的时候区分 key
func WithRedisKeyPrefix(prefix string) RedisHashStorageOption {
	return func(s *redisHashStorage) {
		s.keyPrefix = prefix
	}
}

func NewRedisHashStorage(redisClient redis.Cmdable, opts ...RedisHashStorageOption) HashStorage {
	s := &redisHashStorage{redisClient: redisClient}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *redisHashStorage) key(key string) string {
	return s.keyPrefix + key
}

func hashToRedisValues(data Hash) map[string]any {
	values := make(map[string]any, len(data))
	for field, value := range data {
		values[field] = string(value)
	}
	return values
}

func redisValuesToHash(values map[string]string) Hash {
	if len(values) == 0 {
		return nil
	}
	h := make(Hash, len(values))
	for field, value := range values {
		h[field] = json.RawMessage(value)
	}
	return h
}

func (s *redisHashStorage) Set(ctx context.Context, key string, data Hash) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(key))
		if len(data) > 0 {
			pipe.HSet(ctx, s.key(key), hashToRedisValues(data))
		}
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "redis Set failed, key: %s", key)
	}
	return nil
}

func (s *redisHashStorage) SetField(ctx context.Context, key string, field string, value json.RawMessage) error {
	if err := s.redisClient.HSet(ctx, s.key(key), field, string(value)).Err(); err != nil {
		return errors.WithMessagef(err, "redis HSet failed, key: %s, field: %s", key, field)
	}
	return nil
}

func (s *redisHashStorage) BulkSet(ctx context.Context, items []KeyHash) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range items {
			pipe.Del(ctx, s.key(item.Key))
			if len(item.Data) > 0 {
				pipe.HSet(ctx, s.key(item.Key), hashToRedisValues(item.Data))
			}
		}
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "redis BulkSet failed, count: %d", len(items))
	}
	return nil
}

func (s *redisHashStorage) Get(ctx context.Context, key string) (Hash, error) {
	values, err := s.redisClient.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "redis HGetAll failed, key: %s", key)
	}
	return redisValuesToHash(values), nil
}

func (s *redisHashStorage) GetField(ctx context.Context, key string, field string) (json.RawMessage, error) {
	value, err := s.redisClient.HGet(ctx, s.key(key), field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "redis HGet failed, key: %s, field: %s", key, field)
	}
	return json.RawMessage(value), nil
}

func (s *redisHashStorage) BulkGet(ctx context.Context, keys []string) ([]Hash, error) {
	out := make([]Hash, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.redisClient.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.key(key))
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "redis BulkGet failed, count: %d", len(keys))
	}
	for i, cmd := range cmds {
		out[i] = redisValuesToHash(cmd.Val())
	}
	return out, nil
}

func (s *redisHashStorage) Delete(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.WithMessagef(err, "redis Del failed, key: %s", key)
	}
	return nil
}

func (s *redisHashStorage) BulkDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, 0, len(keys))
	for _, key := range keys {
		prefixed = append(prefixed, s.key(key))
	}
	if err := s.redisClient.Del(ctx, prefixed...).Err(); err != nil {
		return errors.WithMessagef(err, "redis BulkDelete failed, count: %d", len(keys))
	}
	return nil
}

// scanKeys 返回去掉前缀之后的 key
func (s *redisHashStorage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	var cursor uint64
	for {
		batch, next, err := s.redisClient.Scan(ctx, cursor, s.key(pattern), redisScanCount).Result()
		if err != nil {
			return nil, errors.WithMessagef(err, "redis Scan failed, pattern: %s", pattern)
		}
		for _, key := range batch {
			keys = append(keys, strings.TrimPrefix(key, s.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisHashStorage) DeleteByField(ctx context.Context, field string, value json.RawMessage) ([]string, error) {
	keys, err := s.scanKeys(ctx, "workflow*")
	if err != nil {
		return nil, err
	}
	matched := make([]string, 0)
	for _, key := range keys {
		stored, err := s.GetField(ctx, key, field)
		if err != nil {
			return nil, err
		}
		if stored != nil && string(stored) == string(value) {
			matched = append(matched, key)
		}
	}
	if err := s.BulkDelete(ctx, matched); err != nil {
		return nil, err
	}
	return matched, nil
}

func (s *redisHashStorage) GetAllWorkflowsUids(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, workflowKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(keys))
	for _, key := range keys {
		if workflowID, ok := WorkflowIDFromKey(key); ok {
			uids = append(uids, workflowID)
		}
	}
	return uids, nil
}
