package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RunTaskJob 队列里面的一个任务执行请求
type RunTaskJob struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Path       string `json:"path"`
	Argument   any    `json:"argument"`
	// 入队之前任务的状态, 没能执行起来的时候恢复回去
	PreviousStatus TaskStatus `json:"previous_status"`
	EnqueuedAt     int64      `json:"enqueued_at"`

	// 出队时的原始内容, ack 的时候使用
	raw string
}

type JobEventType = string

const (
	JobEventStart    JobEventType = "start"
	JobEventComplete JobEventType = "complete"
	JobEventFailed   JobEventType = "failed"
	JobEventError    JobEventType = "error"
)

// JobEvent 消费者执行任务过程中发出的事件, 用来驱动入队方的 watcher
type JobEvent struct {
	JobID      string       `json:"job_id"`
	Type       JobEventType `json:"type"`
	WorkflowID string       `json:"workflow_id"`
	Path       string       `json:"path"`
	TaskHash   *TaskHash    `json:"task_hash,omitempty"`
	TaskError  *TaskError   `json:"task_error,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// DefaultJobLeaseTTL 消费者租约的默认有效期
const DefaultJobLeaseTTL = 30 * time.Second

// JobQueue 本地持久化队列, 至少执行一次
type JobQueue interface {
	Enqueue(ctx context.Context, job *RunTaskJob) error
	/**
	 * @description: 注册一个消费者
	 *				 每个消费者有自己的处理中列表和一个带过期时间的租约
	 *				 ctx 存活期间租约会自动续期, ctx 结束之后不再续期
	 * @param consumerID string 全局唯一
	 */
	Consumer(ctx context.Context, consumerID string) (JobConsumer, error)
	/**
	 * @description: 把租约已经过期的消费者留在处理中列表的任务放回队列
	 *				 租约有效的消费者不受影响, 可以在任何时候调用
	 * @return int 放回去的任务数量
	 */
	Recover(ctx context.Context) (int, error)
	PublishEvent(ctx context.Context, event *JobEvent) error
	SubscribeEvents(ctx context.Context) (JobEventSubscription, error)
}

type JobConsumer interface {
	ID() string
	// Reserve 阻塞等待一个任务, timeout 内没有任务返回 nil, nil
	// 取出的任务进入这个消费者的处理中列表, Ack 之后才真正删除
	Reserve(ctx context.Context, timeout time.Duration) (*RunTaskJob, error)
	Ack(ctx context.Context, job *RunTaskJob) error
	// Close 停止续期并释放租约, 没有 ack 的任务留给 Recover
	Close(ctx context.Context) error
}

type jobQueueOptions struct {
	leaseTTL time.Duration
}

type JobQueueOption func(*jobQueueOptions)

// WithJobLeaseTTL 租约有效期, 续期间隔是它的三分之一
func WithJobLeaseTTL(ttl time.Duration) JobQueueOption {
	return func(o *jobQueueOptions) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

func newJobQueueOptions(opts []JobQueueOption) *jobQueueOptions {
	options := &jobQueueOptions{leaseTTL: DefaultJobLeaseTTL}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// renewLease 每隔 ttl/3 调用一次 renew, 直到 ctx 结束或者 stop 被关闭
func renewLease(ctx context.Context, ttl time.Duration, stop <-chan struct{}, renew func(context.Context) error) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := renew(ctx); err != nil && ctx.Err() == nil {
				slog.WarnContext(ctx, fmt.Sprintf("renew job consumer lease failed, err: %v", err))
			}
		}
	}
}

type JobEventSubscription interface {
	Events() <-chan *JobEvent
	Close() error
}
