package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// QueueBackend 任务先进入本地持久化队列, 由消费者池执行
// 消费者可以在同一个进程, 也可以在共享同一个队列和存储的兄弟进程里面
type QueueBackend struct {
	*backendCore
	queue JobQueue

	watchers  sync.Map // jobID -> *TaskWatcher
	listening atomic.Bool
}

func NewQueueBackend(store HashStorage, queue JobQueue, generators *GeneratorRegistry, opts ...BackendOption) *QueueBackend {
	return &QueueBackend{
		backendCore: newBackendCore(store, generators, opts...),
		queue:       queue,
	}
}

// Start 监听事件并在后台启动 consumers 个消费者, ctx 结束之后全部退出
// 只消费不入队的兄弟进程直接调用 RunConsumers
func (b *QueueBackend) Start(ctx context.Context, consumers int) error {
	if err := b.Listen(ctx); err != nil {
		return err
	}
	go func() {
		if err := b.RunConsumers(ctx, consumers); err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("queue consumers exit, err: %v", err))
		}
	}()
	return nil
}

// Listen 订阅任务事件并分发给 watcher, 需要在 ExecuteOneTask 之前调用
// ctx 结束之后停止
func (b *QueueBackend) Listen(ctx context.Context) error {
	sub, err := b.queue.SubscribeEvents(ctx)
	if err != nil {
		return errors.WithMessage(err, "SubscribeEvents failed")
	}
	b.listening.Store(true)
	go func() {
		defer func() {
			b.listening.Store(false)
			_ = sub.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				b.dispatchEvent(ctx, event)
			}
		}
	}()
	return nil
}

func (b *QueueBackend) dispatchEvent(ctx context.Context, event *JobEvent) {
	value, ok := b.watchers.Load(event.JobID)
	if !ok {
		// 别的进程入队的任务
		slog.DebugContext(ctx, fmt.Sprintf("job event without watcher, jobID: %s, type: %s", event.JobID, event.Type))
		return
	}
	watcher := value.(*TaskWatcher)
	switch event.Type {
	case JobEventStart:
		watcher.Start()
		return
	case JobEventComplete:
		watcher.Complete(event.TaskHash)
	case JobEventFailed:
		if event.TaskError == nil {
			watcher.Error(errors.Errorf("job %s failed: %s", event.JobID, event.Message))
		} else {
			watcher.Failed(event.TaskError)
		}
	case JobEventError:
		if event.TaskError != nil {
			watcher.Error(event.TaskError)
		} else {
			watcher.Error(errors.New(event.Message))
		}
	default:
		slog.WarnContext(ctx, fmt.Sprintf("unknown job event type: %s, jobID: %s", event.Type, event.JobID))
		return
	}
	b.watchers.Delete(event.JobID)
}

// ExecuteOneTask 标记 queued 然后入队, 结果通过 watcher 异步返回
func (b *QueueBackend) ExecuteOneTask(ctx context.Context, workflowID string, path string, argument any) (*TaskWatcher, error) {
	if !b.listening.Load() {
		return nil, errors.WithMessage(ErrBackendNotStarted, "queue backend is not listening to job events")
	}
	workflow, _, err := b.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if _, ok := workflow.Lookup(path); !ok {
		return nil, newTaskError(TaskErrorCannotFindTask, "path %s not in workflow %s", path, workflowID)
	}
	taskHash, err := b.storage.GetTask(ctx, workflowID, path)
	if err != nil {
		return nil, err
	}
	if taskHash == nil {
		return nil, newTaskError(TaskErrorCannotFindTask, "task hash of %s is missing", path)
	}
	normalizedArgument, err := normalizeJSONValue(argument)
	if err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "argument is not json: %v", err)
	}
	job := &RunTaskJob{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		Path:           path,
		Argument:       normalizedArgument,
		PreviousStatus: taskHash.Status,
		EnqueuedAt:     b.runner.now().UnixMilli(),
	}
	if err := b.storage.SetTaskStatus(ctx, workflowID, path, TaskStatusQueued); err != nil {
		return nil, err
	}
	watcher := NewTaskWatcher(workflowID, path)
	b.watchers.Store(job.ID, watcher)
	if err := b.queue.Enqueue(ctx, job); err != nil {
		b.watchers.Delete(job.ID)
		b.restoreStatus(ctx, job)
		return nil, errors.WithMessagef(err, "Enqueue failed, workflowID: %s, path: %s", workflowID, path)
	}
	return watcher, nil
}

// RunConsumers 启动 concurrency 个消费者, 阻塞到 ctx 结束
// 每个消费者持有自己的租约, 启动时和之后每隔 recoverInterval 回收租约过期的消费者留下的任务
func (b *QueueBackend) RunConsumers(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := b.recover(ctx); err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	consumers := make([]JobConsumer, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		consumer, err := b.queue.Consumer(groupCtx, uuid.NewString())
		if err != nil {
			for _, registered := range consumers {
				_ = registered.Close(context.WithoutCancel(ctx))
			}
			return errors.WithMessage(err, "register job consumer failed")
		}
		consumers = append(consumers, consumer)
	}
	for _, consumer := range consumers {
		consumer := consumer
		group.Go(func() error {
			defer func() {
				if err := consumer.Close(context.WithoutCancel(groupCtx)); err != nil {
					slog.WarnContext(groupCtx, fmt.Sprintf("close job consumer failed, err: %v", err))
				}
			}()
			return b.consume(groupCtx, consumer)
		})
	}
	group.Go(func() error {
		ticker := time.NewTicker(b.options.recoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case <-ticker.C:
				if err := b.recover(groupCtx); err != nil && groupCtx.Err() == nil {
					slog.ErrorContext(groupCtx, err.Error())
				}
			}
		}
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (b *QueueBackend) recover(ctx context.Context) error {
	recovered, err := b.queue.Recover(ctx)
	if err != nil {
		return errors.WithMessage(err, "Recover queue failed")
	}
	if recovered > 0 {
		slog.WarnContext(ctx, fmt.Sprintf("recovered %d unfinished jobs", recovered))
	}
	return nil
}

func (b *QueueBackend) consume(ctx context.Context, consumer JobConsumer) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := consumer.Reserve(ctx, b.options.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.ErrorContext(ctx, fmt.Sprintf("reserve job failed, consumerID: %s, err: %v", consumer.ID(), err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.options.pollTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}
		b.handleJob(ctx, job)
		// ack 不受 ctx 取消影响, 任务已经执行完了
		if err := consumer.Ack(context.WithoutCancel(ctx), job); err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("ack job failed, jobID: %s, err: %v", job.ID, err))
		}
	}
}

func (b *QueueBackend) handleJob(ctx context.Context, job *RunTaskJob) {
	b.publish(ctx, &JobEvent{JobID: job.ID, Type: JobEventStart, WorkflowID: job.WorkflowID, Path: job.Path})

	req, err := b.newRunRequest(ctx, job.WorkflowID, job.Path, job.Argument)
	if err != nil {
		b.restoreStatus(ctx, job)
		b.publishError(ctx, job, err)
		return
	}
	taskHash, err := b.runner.run(ctx, req)
	if taskHash == nil && err != nil {
		// 没有执行起来, 不落任何记录
		b.restoreStatus(ctx, job)
		b.publishError(ctx, job, err)
		return
	}
	if persistErr := b.persistRun(ctx, req, taskHash); persistErr != nil {
		b.publishError(ctx, job, persistErr)
		return
	}
	if err != nil {
		taskErr, _ := AsTaskError(err)
		b.publish(ctx, &JobEvent{JobID: job.ID, Type: JobEventFailed, WorkflowID: job.WorkflowID, Path: job.Path, TaskError: taskErr, Message: err.Error()})
		return
	}
	b.publish(ctx, &JobEvent{JobID: job.ID, Type: JobEventComplete, WorkflowID: job.WorkflowID, Path: job.Path, TaskHash: taskHash})
}

func (b *QueueBackend) publishError(ctx context.Context, job *RunTaskJob, err error) {
	if IsSeriousError(err) {
		slog.ErrorContext(ctx, fmt.Sprintf("[error]job failed before execution, workflowID: %s, path: %s, err: %v", job.WorkflowID, job.Path, err))
	} else {
		slog.WarnContext(ctx, fmt.Sprintf("[warn]job failed before execution, workflowID: %s, path: %s, err: %v", job.WorkflowID, job.Path, err))
	}
	taskErr, _ := AsTaskError(err)
	b.publish(ctx, &JobEvent{JobID: job.ID, Type: JobEventError, WorkflowID: job.WorkflowID, Path: job.Path, TaskError: taskErr, Message: err.Error()})
}

func (b *QueueBackend) publish(ctx context.Context, event *JobEvent) {
	if err := b.queue.PublishEvent(context.WithoutCancel(ctx), event); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("publish job event failed, jobID: %s, type: %s, err: %v", event.JobID, event.Type, err))
	}
}

func (b *QueueBackend) restoreStatus(ctx context.Context, job *RunTaskJob) {
	if job.PreviousStatus == "" {
		return
	}
	if err := b.storage.SetTaskStatus(context.WithoutCancel(ctx), job.WorkflowID, job.Path, job.PreviousStatus); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("restore task status failed, workflowID: %s, path: %s, err: %v", job.WorkflowID, job.Path, err))
	}
}

var _ Backend = (*QueueBackend)(nil)
