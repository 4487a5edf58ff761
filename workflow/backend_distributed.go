package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type DistributedConfig struct {
	QueueNamesPrefix string `validate:"required"`
	// worker 池的名字, 每个池两条队列
	Workers []string `validate:"required,min=1,dive,required"`
}

type pendingTask struct {
	watcher  *TaskWatcher
	req      *runRequest
	prepared *preparedRun
	worker   string
}

type workerQueues struct {
	toWorker      QueueRef
	toSupervision QueueRef
}

// DistributedBackend supervision 这一侧
// 上下文在这里组装好之后发给 worker, worker 只执行回调并且回报结果, 不读写存储
type DistributedBackend struct {
	*backendCore
	transport MessageTransport
	config    DistributedConfig
	uid       string
	fencing   *FencingTable

	queuesMu sync.RWMutex
	queues   map[string]workerQueues

	pendingMu sync.Mutex
	pending   map[string]*pendingTask

	started atomic.Bool
}

func NewDistributedBackend(store HashStorage, transport MessageTransport, generators *GeneratorRegistry, config DistributedConfig, opts ...BackendOption) (*DistributedBackend, error) {
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "distributed config invalid: %v", err)
	}
	return &DistributedBackend{
		backendCore: newBackendCore(store, generators, opts...),
		transport:   transport,
		config:      config,
		uid:         uuid.NewString(),
		fencing:     NewFencingTable(),
		queues:      make(map[string]workerQueues),
		pending:     make(map[string]*pendingTask),
	}, nil
}

// UID 本进程这一代 supervision 的标识
func (b *DistributedBackend) UID() string {
	return b.uid
}

func (b *DistributedBackend) Fencing() *FencingTable {
	return b.fencing
}

// Start 创建队列, 广播 supervisionHello, 然后在后台消费所有 worker 的回报
func (b *DistributedBackend) Start(ctx context.Context) error {
	for _, worker := range b.config.Workers {
		toWorker, err := b.transport.EnsureQueue(ctx, WorkerMessagesQueueName(b.config.QueueNamesPrefix, worker))
		if err != nil {
			return errors.WithMessagef(err, "EnsureQueue failed, worker: %s", worker)
		}
		toSupervision, err := b.transport.EnsureQueue(ctx, SupervisionMessagesQueueName(b.config.QueueNamesPrefix, worker))
		if err != nil {
			return errors.WithMessagef(err, "EnsureQueue failed, worker: %s", worker)
		}
		b.queuesMu.Lock()
		b.queues[worker] = workerQueues{toWorker: toWorker, toSupervision: toSupervision}
		b.queuesMu.Unlock()
	}
	for _, worker := range b.config.Workers {
		if err := b.sendHello(ctx, worker); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, worker := range b.config.Workers {
		worker := worker
		queues, _ := b.workerQueues(worker)
		group.Go(func() error {
			return b.transport.Consume(groupCtx, queues.toSupervision, func(ctx context.Context, body []byte) error {
				return b.handleMessage(ctx, worker, body)
			})
		})
	}
	b.started.Store(true)
	slog.InfoContext(ctx, fmt.Sprintf("[supervision] started, uid: %s, workers: %v", b.uid, b.config.Workers))
	go func() {
		if err := group.Wait(); err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[supervision] consumer exit, err: %v", err))
		}
		b.started.Store(false)
	}()
	return nil
}

func (b *DistributedBackend) workerQueues(worker string) (workerQueues, bool) {
	b.queuesMu.RLock()
	defer b.queuesMu.RUnlock()
	queues, ok := b.queues[worker]
	return queues, ok
}

func (b *DistributedBackend) send(ctx context.Context, worker string, msg *DistributedMessage) error {
	queues, ok := b.workerQueues(worker)
	if !ok {
		return errors.WithMessagef(ErrQueueNotFound, "worker: %s", worker)
	}
	msg.SupervisionUID = b.uid
	body, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := b.transport.Send(ctx, queues.toWorker, body); err != nil {
		return errors.WithMessagef(err, "send %s failed, worker: %s", msg.Type, worker)
	}
	return nil
}

func (b *DistributedBackend) sendHello(ctx context.Context, worker string) error {
	return b.send(ctx, worker, &DistributedMessage{Type: MessageSupervisionHello})
}

func pendingKey(workflowID, path string) string {
	return workflowID + "\x00" + path
}

// ExecuteOneTask 上下文在本地组装, 被跳过或者是分组节点的时候直接在本地完成
func (b *DistributedBackend) ExecuteOneTask(ctx context.Context, workflowID string, path string, argument any) (*TaskWatcher, error) {
	if !b.started.Load() {
		return nil, errors.WithMessage(ErrBackendNotStarted, "distributed backend is not started")
	}
	req, err := b.newRunRequest(ctx, workflowID, path, argument)
	if err != nil {
		return nil, err
	}
	watcher := NewTaskWatcher(workflowID, path)
	prepared, taskHash, err := b.runner.prepare(ctx, req)
	if prepared == nil {
		if err == nil {
			watcher.Start()
		}
		b.finishLocally(ctx, watcher, req, taskHash, err)
		return watcher, nil
	}
	if prepared.resolved.Task.Executor == nil {
		watcher.Start()
		taskHash, err = b.runner.execute(ctx, req, prepared)
		b.finishLocally(ctx, watcher, req, taskHash, err)
		return watcher, nil
	}

	workers := b.fencing.PeersForPath(path)
	if len(workers) == 0 {
		return nil, errors.WithMessagef(ErrDistributedWorkerNotReached, "no worker handles path %s", path)
	}
	if len(workers) > 1 {
		slog.WarnContext(ctx, fmt.Sprintf("[supervision] path %s handled by several workers %v, using %s", path, workers, workers[0]))
	}
	worker := workers[0]

	previousStatus := TaskStatusInactive
	if prepared.resolved.Hash != nil {
		previousStatus = prepared.resolved.Hash.Status
	}
	if err := b.storage.SetTaskStatus(ctx, workflowID, path, TaskStatusQueued); err != nil {
		return nil, err
	}
	b.addPending(ctx, &pendingTask{watcher: watcher, req: req, prepared: prepared, worker: worker})
	watcher.Start()
	err = b.send(ctx, worker, &DistributedMessage{
		Type:            MessageRunTask,
		WorkflowID:      workflowID,
		TaskPath:        path,
		Realm:           req.WorkflowHash.Realm,
		Argument:        prepared.argument,
		Context:         prepared.resolved.Context,
		PreviousContext: prepared.resolved.ResultContext,
	})
	if err != nil {
		b.takePending(workflowID, path, worker)
		if restoreErr := b.storage.SetTaskStatus(context.WithoutCancel(ctx), workflowID, path, previousStatus); restoreErr != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[supervision] restore task status failed, workflowID: %s, path: %s, err: %v", workflowID, path, restoreErr))
		}
		return nil, err
	}
	return watcher, nil
}

func (b *DistributedBackend) finishLocally(ctx context.Context, watcher *TaskWatcher, req *runRequest, taskHash *TaskHash, err error) {
	if persistErr := b.persistRun(ctx, req, taskHash); persistErr != nil {
		watcher.Error(persistErr)
		return
	}
	resolveWatcher(ctx, watcher, taskHash, err)
}

// addPending 同一个任务只保留最新的一次调度
func (b *DistributedBackend) addPending(ctx context.Context, task *pendingTask) {
	key := pendingKey(task.req.WorkflowID, task.req.Path)
	b.pendingMu.Lock()
	old := b.pending[key]
	b.pending[key] = task
	b.pendingMu.Unlock()
	if old != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[supervision] task rescheduled before result, workflowID: %s, path: %s", task.req.WorkflowID, task.req.Path))
		old.watcher.Error(errors.Errorf("task %s rescheduled", task.req.Path))
	}
}

// takePending 只有任务发给的就是 worker 的时候才取出
func (b *DistributedBackend) takePending(workflowID, path string, worker string) *pendingTask {
	key := pendingKey(workflowID, path)
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	task := b.pending[key]
	if task == nil || task.worker != worker {
		return nil
	}
	delete(b.pending, key)
	return task
}

// PendingCount 还没有收到结果的任务数
func (b *DistributedBackend) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

func (b *DistributedBackend) handleMessage(ctx context.Context, worker string, body []byte) error {
	msg, err := decodeMessage(body)
	if err != nil {
		return err
	}
	if msg.isHello() {
		if msg.Type != MessageWorkerHello {
			return errors.Errorf("unexpected %s on supervision queue of %s", msg.Type, worker)
		}
		if b.fencing.ObserveHello(worker, msg.WorkerUID, msg.Paths) {
			slog.InfoContext(ctx, fmt.Sprintf("[supervision] worker %s hello, uid: %s, paths: %v", worker, msg.WorkerUID, msg.Paths))
			return b.sendHello(ctx, worker)
		}
		return nil
	}
	if !b.fencing.Admit(worker, msg.senderUID()) {
		slog.DebugContext(ctx, fmt.Sprintf("[supervision] drop %s from stale worker %s, uid: %s", msg.Type, worker, msg.WorkerUID))
		return nil
	}
	switch msg.Type {
	case MessageResult, MessageFail:
		b.resolvePending(ctx, worker, msg)
		return nil
	}
	return errors.Errorf("unknown message type %s from worker %s", msg.Type, worker)
}

func (b *DistributedBackend) resolvePending(ctx context.Context, worker string, msg *DistributedMessage) {
	task := b.takePending(msg.WorkflowID, msg.TaskPath, worker)
	if task == nil {
		slog.WarnContext(ctx, fmt.Sprintf("[supervision] %s without pending task for this worker, discarded, worker: %s, workflowID: %s, path: %s", msg.Type, worker, msg.WorkflowID, msg.TaskPath))
		return
	}
	if msg.Type == MessageFail {
		taskHash, taskErr := b.runner.failure(task.req, task.prepared, msg.Error, nil)
		if err := b.persistRun(ctx, task.req, taskHash); err != nil {
			task.watcher.Error(err)
			return
		}
		task.watcher.Failed(taskErr)
		return
	}
	result, err := normalizeJSONValue(msg.Result)
	if err != nil {
		result = msg.Result
	}
	taskHash := b.runner.success(task.req, task.prepared, result, nil)
	if err := b.persistRun(ctx, task.req, taskHash); err != nil {
		task.watcher.Error(err)
		return
	}
	task.watcher.Complete(taskHash)
}

var _ Backend = (*DistributedBackend)(nil)
