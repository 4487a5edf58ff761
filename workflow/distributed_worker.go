package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

type WorkerConfig struct {
	QueueNamesPrefix string `validate:"required"`
	Name             string `validate:"required"`
	// 同时执行的任务数, 默认 1
	Concurrency int `validate:"gte=0"`
	// 等待 supervision 创建队列的重试次数, 默认 10
	QueueWaitRetries uint64
}

// DistributedWorker worker 这一侧, 只执行回调, 不读写存储
// 不支持 UpdateContext, 上下文在 supervision 一次性组装好
type DistributedWorker struct {
	transport MessageTransport
	config    WorkerConfig
	uid       string
	fencing   *FencingTable

	mu        sync.RWMutex
	executors map[string]TaskExecutor

	toWorker      QueueRef
	toSupervision QueueRef
}

func NewDistributedWorker(transport MessageTransport, config WorkerConfig) (*DistributedWorker, error) {
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "worker config invalid: %v", err)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.QueueWaitRetries == 0 {
		config.QueueWaitRetries = 10
	}
	return &DistributedWorker{
		transport: transport,
		config:    config,
		uid:       uuid.NewString(),
		fencing:   NewFencingTable(),
		executors: make(map[string]TaskExecutor),
	}, nil
}

func (w *DistributedWorker) UID() string {
	return w.uid
}

func (w *DistributedWorker) Fencing() *FencingTable {
	return w.fencing
}

// Handle 注册一个路径的执行函数, 需要在 Run 之前调用
func (w *DistributedWorker) Handle(path string, execute ExecuteFunc) error {
	if execute == nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "nil executor, path: %s", path)
	}
	return w.HandleTask(path, execute)
}

func (w *DistributedWorker) HandleTask(path string, executor TaskExecutor) error {
	if !strings.HasPrefix(path, RootPath+pathSeparator) {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "invalid path: %s", path)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.executors[path]; ok {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "executor already registered, path: %s", path)
	}
	w.executors[path] = executor
	return nil
}

// HandleWorkflow 注册任务树里面所有带执行函数的任务
func (w *DistributedWorker) HandleWorkflow(workflow *Workflow) error {
	for _, path := range workflow.GetAllPaths() {
		task, _ := workflow.Lookup(path)
		if task == nil || task.Executor == nil {
			continue
		}
		if err := w.HandleTask(path, task.Executor); err != nil {
			return err
		}
	}
	return nil
}

func (w *DistributedWorker) paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	paths := make([]string, 0, len(w.executors))
	for path := range w.executors {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (w *DistributedWorker) executor(path string) (TaskExecutor, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	executor, ok := w.executors[path]
	return executor, ok
}

// Run 等待队列, 发送 workerHello, 然后阻塞消费到 ctx 结束
func (w *DistributedWorker) Run(ctx context.Context) error {
	if err := w.waitForQueues(ctx); err != nil {
		return err
	}
	if err := w.sendHello(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, fmt.Sprintf("[worker] %s started, uid: %s, paths: %v", w.config.Name, w.uid, w.paths()))

	group := &errgroup.Group{}
	group.SetLimit(w.config.Concurrency)
	err := w.transport.Consume(ctx, w.toWorker, func(ctx context.Context, body []byte) error {
		return w.handleMessage(ctx, group, body)
	})
	_ = group.Wait()
	return err
}

// waitForQueues 队列由 supervision 创建, worker 先启动的时候退避等待
func (w *DistributedWorker) waitForQueues(ctx context.Context) error {
	backoff := retry.WithMaxRetries(w.config.QueueWaitRetries, retry.NewExponential(200*time.Millisecond))
	backoff = retry.WithCappedDuration(5*time.Second, backoff)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		toWorker, err := w.transport.GetQueue(ctx, WorkerMessagesQueueName(w.config.QueueNamesPrefix, w.config.Name))
		if err == nil {
			var toSupervision QueueRef
			toSupervision, err = w.transport.GetQueue(ctx, SupervisionMessagesQueueName(w.config.QueueNamesPrefix, w.config.Name))
			if err == nil {
				w.toWorker = toWorker
				w.toSupervision = toSupervision
				return nil
			}
		}
		if errors.Is(err, ErrQueueNotFound) {
			slog.InfoContext(ctx, fmt.Sprintf("[worker] %s waiting for queues", w.config.Name))
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return errors.WithMessagef(err, "wait for queues failed, worker: %s", w.config.Name)
	}
	return nil
}

func (w *DistributedWorker) send(ctx context.Context, msg *DistributedMessage) error {
	msg.WorkerUID = w.uid
	msg.WorkerName = w.config.Name
	body, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := w.transport.Send(ctx, w.toSupervision, body); err != nil {
		return errors.WithMessagef(err, "send %s failed, worker: %s", msg.Type, w.config.Name)
	}
	return nil
}

func (w *DistributedWorker) sendHello(ctx context.Context) error {
	return w.send(ctx, &DistributedMessage{Type: MessageWorkerHello, Paths: w.paths()})
}

func (w *DistributedWorker) handleMessage(ctx context.Context, group *errgroup.Group, body []byte) error {
	msg, err := decodeMessage(body)
	if err != nil {
		return err
	}
	switch msg.Type {
	case MessageSupervisionHello:
		if w.fencing.ObserveHello(supervisionPeer, msg.SupervisionUID, nil) {
			slog.InfoContext(ctx, fmt.Sprintf("[worker] %s supervision hello, uid: %s", w.config.Name, msg.SupervisionUID))
			return w.sendHello(ctx)
		}
		return nil
	case MessageRunTask:
		if !w.fencing.Admit(supervisionPeer, msg.senderUID()) {
			slog.DebugContext(ctx, fmt.Sprintf("[worker] %s drop runTask from stale supervision, uid: %s, path: %s", w.config.Name, msg.SupervisionUID, msg.TaskPath))
			return nil
		}
		group.Go(func() error {
			w.runTask(ctx, msg)
			return nil
		})
		return nil
	}
	return errors.Errorf("unexpected %s on worker queue %s", msg.Type, w.config.Name)
}

func (w *DistributedWorker) runTask(ctx context.Context, msg *DistributedMessage) {
	reply := &DistributedMessage{WorkflowID: msg.WorkflowID, TaskPath: msg.TaskPath}
	result, err := w.execute(ctx, msg)
	if err == nil {
		result, err = normalizeJSONValue(result)
	}
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[worker] %s task failed, workflowID: %s, path: %s, err: %v", w.config.Name, msg.WorkflowID, msg.TaskPath, err))
		reply.Type = MessageFail
		reply.Error = errorBody(err)
	} else {
		reply.Type = MessageResult
		reply.Result = result
	}
	if err := w.send(context.WithoutCancel(ctx), reply); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[worker] %s report failed, workflowID: %s, path: %s, err: %v", w.config.Name, msg.WorkflowID, msg.TaskPath, err))
	}
}

func (w *DistributedWorker) execute(ctx context.Context, msg *DistributedMessage) (result any, err error) {
	executor, ok := w.executor(msg.TaskPath)
	if !ok {
		return nil, errors.WithMessagef(ErrTaskExecutorNotFound, "worker: %s, path: %s", w.config.Name, msg.TaskPath)
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[worker] task panic: %v, workflowID: %s, path: %s, stack: %s", rec, msg.WorkflowID, msg.TaskPath, string(debug.Stack())))
			result = nil
			err = errors.Errorf("task panic: %v", rec)
		}
	}()
	factory := newTaskFactory(msg.WorkflowID, msg.TaskPath, msg.Realm, msg.Context, msg.PreviousContext, nil, false)
	return executor.Execute(ctx, msg.Argument, factory)
}
