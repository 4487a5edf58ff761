package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

type WatcherEvent = string

const (
	WatcherEventStart    WatcherEvent = "start"
	WatcherEventComplete WatcherEvent = "complete"
	WatcherEventFailed   WatcherEvent = "failed"
	WatcherEventError    WatcherEvent = "error"
)

// TaskWatcher 一次任务执行的通知句柄
// start 之后只会有一个终态: complete / failed / error, 后面的终态会被忽略
type TaskWatcher struct {
	workflowID string
	path       string

	startOnce sync.Once
	started   chan struct{}

	mu     sync.Mutex
	done   chan struct{}
	event  WatcherEvent
	result *TaskHash
	err    error
}

func NewTaskWatcher(workflowID string, path string) *TaskWatcher {
	return &TaskWatcher{
		workflowID: workflowID,
		path:       path,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *TaskWatcher) WorkflowID() string { return w.workflowID }
func (w *TaskWatcher) Path() string       { return w.path }

// Start 任务真正开始执行(或者已经发给了执行方)
func (w *TaskWatcher) Start() {
	w.startOnce.Do(func() { close(w.started) })
}

// Started 订阅 start 事件
func (w *TaskWatcher) Started() <-chan struct{} {
	return w.started
}

// Done 任意终态之后关闭
func (w *TaskWatcher) Done() <-chan struct{} {
	return w.done
}

func (w *TaskWatcher) Complete(taskHash *TaskHash) bool {
	return w.finish(WatcherEventComplete, taskHash, nil)
}

// Failed 任务回调失败, 对应 EXECUTION_FAILED
func (w *TaskWatcher) Failed(taskErr *TaskError) bool {
	return w.finish(WatcherEventFailed, nil, taskErr)
}

// Error 任务没能执行起来, 例如上下文组装失败或者存储出错
func (w *TaskWatcher) Error(err error) bool {
	if err == nil {
		err = errors.New("unknown watcher error")
	}
	return w.finish(WatcherEventError, nil, err)
}

func (w *TaskWatcher) finish(event WatcherEvent, taskHash *TaskHash, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.event != "" {
		slog.Warn(fmt.Sprintf("task watcher already finished, workflowID: %s, path: %s, finished: %s, ignored: %s", w.workflowID, w.path, w.event, event))
		return false
	}
	w.event = event
	w.result = taskHash
	w.err = err
	close(w.done)
	return true
}

// Event 终态, 还没有结束返回空
func (w *TaskWatcher) Event() WatcherEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.event
}

// Wait 等待终态, complete 返回 TaskHash, failed/error 返回错误
func (w *TaskWatcher) Wait(ctx context.Context) (*TaskHash, error) {
	select {
	case <-ctx.Done():
		return nil, errors.WithMessagef(ctx.Err(), "wait task watcher, workflowID: %s, path: %s", w.workflowID, w.path)
	case <-w.done:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result, w.err
}
