package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	defaultTransportKeyPrefix  = "jobs_transport"
	defaultTransportPoll       = 5 * time.Second
	transportReceiveMaxRetries = 5
)

// redisMessageTransport 每个队列是一个 redis list, 左进右出
// 已经创建的队列名记在一个 set 里面, GetQueue 靠它判断队列是否存在
type redisMessageTransport struct {
	redisClient redis.UniversalClient
	keyPrefix   string
	pollTimeout time.Duration
}

type RedisTransportOption func(*redisMessageTransport)

func WithTransportKeyPrefix(prefix string) RedisTransportOption {
	return func(t *redisMessageTransport) {
		if prefix != "" {
			t.keyPrefix = prefix
		}
	}
}

// WithTransportPollTimeout BRPOP 的等待时间, 也是 Consume 感知 ctx 结束的最大延迟
func WithTransportPollTimeout(timeout time.Duration) RedisTransportOption {
	return func(t *redisMessageTransport) {
		if timeout > 0 {
			t.pollTimeout = timeout
		}
	}
}

func NewRedisMessageTransport(redisClient redis.UniversalClient, opts ...RedisTransportOption) MessageTransport {
	t := &redisMessageTransport{
		redisClient: redisClient,
		keyPrefix:   defaultTransportKeyPrefix,
		pollTimeout: defaultTransportPoll,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *redisMessageTransport) registryKey() string {
	return t.keyPrefix + ":queues"
}

func (t *redisMessageTransport) ref(name string) QueueRef {
	return QueueRef{Name: name, URL: fmt.Sprintf("%s:queue:%s", t.keyPrefix, name)}
}

func (t *redisMessageTransport) EnsureQueue(ctx context.Context, name string) (QueueRef, error) {
	if name == "" {
		return QueueRef{}, errors.WithMessage(ErrWorkflowParamInvalid, "empty queue name")
	}
	if err := t.redisClient.SAdd(ctx, t.registryKey(), name).Err(); err != nil {
		return QueueRef{}, errors.WithMessagef(err, "SAdd queue failed, queue: %s", name)
	}
	return t.ref(name), nil
}

func (t *redisMessageTransport) GetQueue(ctx context.Context, name string) (QueueRef, error) {
	exists, err := t.redisClient.SIsMember(ctx, t.registryKey(), name).Result()
	if err != nil {
		return QueueRef{}, errors.WithMessagef(err, "SIsMember queue failed, queue: %s", name)
	}
	if !exists {
		return QueueRef{}, errors.WithMessagef(ErrQueueNotFound, "queue: %s", name)
	}
	return t.ref(name), nil
}

func (t *redisMessageTransport) Send(ctx context.Context, ref QueueRef, body []byte) error {
	if err := t.redisClient.LPush(ctx, ref.URL, body).Err(); err != nil {
		return errors.WithMessagef(err, "LPush message failed, queue: %s", ref.Name)
	}
	return nil
}

func (t *redisMessageTransport) Consume(ctx context.Context, ref QueueRef, handler MessageHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		body, err := t.receive(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if body == nil {
			continue
		}
		if err := handler(ctx, body); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("handle message failed, queue: %s, err: %v", ref.Name, err))
		}
	}
}

// receive 长轮询一条消息, 超时返回 nil, 连接错误退避重试
func (t *redisMessageTransport) receive(ctx context.Context, ref QueueRef) ([]byte, error) {
	var body []byte
	backoff := retry.WithMaxRetries(transportReceiveMaxRetries, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := t.redisClient.BRPop(ctx, t.pollTimeout, ref.URL).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.WarnContext(ctx, fmt.Sprintf("BRPop message failed, retrying, queue: %s, err: %v", ref.Name, err))
			return retry.RetryableError(err)
		}
		// BRPop 返回 [key, value]
		if len(result) == 2 {
			body = []byte(result[1])
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "receive message failed, queue: %s", ref.Name)
	}
	return body, nil
}
