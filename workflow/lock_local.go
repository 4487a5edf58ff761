package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		holders: make(map[string]*localLockInfo),
	}
}

// localWorkflowLock 单进程使用, 超时之后自动释放
type localWorkflowLock struct {
	mu      sync.Mutex
	holders map[string]*localLockInfo
}

type localLockInfo struct {
	value string // 持有者的标识
	timer *time.Timer
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if heldLock(ctx, key) {
		return f(ctx)
	}
	value := uuid.NewString()
	l.mu.Lock()
	if _, ok := l.holders[key]; ok {
		l.mu.Unlock()
		return errors.WithMessagef(ErrLockFailed, "[localWorkflowLock] %s has been locked", key)
	}
	// 回调要拿 l.mu, 持有期间创建 timer 不会提前释放
	l.holders[key] = &localLockInfo{
		value: value,
		timer: time.AfterFunc(maxLockTimeDuration, func() {
			l.releaseKey(key, value)
		}),
	}
	l.mu.Unlock()
	defer l.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

// releaseKey 超时和正常结束都会调用, 只有持有者本人能删掉
func (l *localWorkflowLock) releaseKey(key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.holders[key]
	if !ok || info.value != value {
		// 已经释放过, 或者超时释放之后被别人拿到了
		slog.Debug(fmt.Sprintf("[localWorkflowLock] value mismatch, key: %s", key))
		return
	}
	info.timer.Stop()
	delete(l.holders, key)
}
