package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if heldLock(ctx, key) {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := uuid.NewString()
	redisKey := lockKeyPrefix + key
	isLock, err := d.redisClient.SetNX(ctx, redisKey, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "[redisWorkflowLock] SetNX %s failed, err: %v", redisKey, err)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockFailed, "[redisWorkflowLock] %s has been locked", redisKey)
	}
	defer d.releaseKey(ctx, redisKey, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisWorkflowLock) releaseKey(ctx context.Context, redisKey string, value string) {
	// ctx 可能已经被 cancel
	reply, err := d.redisClient.Eval(context.WithoutCancel(ctx), delCommand, []string{redisKey}, value).Int64()
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[redisWorkflowLock] release %s failed, err: %v", redisKey, err))
		return
	}
	if reply != 1 {
		// 锁已经过期
		slog.WarnContext(ctx, fmt.Sprintf("[redisWorkflowLock] %s expired before release", redisKey))
	}
}
