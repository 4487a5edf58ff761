package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrLockFailed = errors.New("lock failed")

// lockKeyPrefix 不能以 workflow 开头, 否则会被按前缀扫描工作流记录的逻辑扫到
const lockKeyPrefix = "jobs_lock:"

type lockKey string

// ExecuteLockKey 一个工作流实例同一时间只能有一个驱动方
func ExecuteLockKey(workflowID string) string {
	return "workflow_execute_" + workflowID
}

type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockFailed
	//                 2.可以重入, 持有锁的 ctx 再次进入直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

// heldLock ctx 里面是否已经持有 key
func heldLock(ctx context.Context, key string) bool {
	_, ok := ctx.Value(lockKey(key)).(string)
	return ok
}
