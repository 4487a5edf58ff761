package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultExecuteLockDuration = 10 * time.Minute

// ErrorHook 任务执行失败之后调用, path 为空表示不是某个任务的错误
type ErrorHook func(ctx context.Context, workflowID string, path string, err error)

// FinishHook 工作流最后一个任务完成之后调用
type FinishHook func(ctx context.Context, workflowID string)

// Controller 驱动整个工作流按顺序执行, 对外的稳定入口
type Controller struct {
	backend      Backend
	lock         WorkflowLock
	lockDuration time.Duration
	index        WorkflowIndex
	notifier     Notifier
	metrics      *Metrics
	onError      ErrorHook
	onFinish     FinishHook
}

type ControllerOption func(*Controller)

// WithWorkflowLock 多进程驱动同一个工作流的时候使用 redis 锁
func WithWorkflowLock(lock WorkflowLock, maxLockTimeDuration time.Duration) ControllerOption {
	return func(c *Controller) {
		c.lock = lock
		if maxLockTimeDuration > 0 {
			c.lockDuration = maxLockTimeDuration
		}
	}
}

func WithIndex(index WorkflowIndex) ControllerOption {
	return func(c *Controller) {
		c.index = index
	}
}

func WithNotifier(notifier Notifier) ControllerOption {
	return func(c *Controller) {
		c.notifier = notifier
	}
}

func WithMetrics(metrics *Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = metrics
	}
}

func WithErrorHook(hook ErrorHook) ControllerOption {
	return func(c *Controller) {
		c.onError = hook
	}
}

func WithFinishHook(hook FinishHook) ControllerOption {
	return func(c *Controller) {
		c.onFinish = hook
	}
}

func NewController(backend Backend, opts ...ControllerOption) *Controller {
	c := &Controller{
		backend:      backend,
		lock:         NewLocalWorkflowLock(),
		lockDuration: defaultExecuteLockDuration,
		notifier:     NewNoopNotifier(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.index != nil {
		index := c.index
		backend.OnDeleteWorkflow(func(ctx context.Context, workflowID string) {
			if err := index.Delete(ctx, []string{workflowID}); err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("delete workflow index failed, workflowID: %s, err: %v", workflowID, err))
			}
		})
	}
	return c
}

func (c *Controller) Backend() Backend {
	return c.backend
}

func (c *Controller) synchronized(ctx context.Context, workflowID string, f func(context.Context) error) error {
	return c.lock.NonBlockingSynchronized(ctx, ExecuteLockKey(workflowID), c.lockDuration, f)
}

func (c *Controller) CreateWorkflowInstance(ctx context.Context, req *CreateWorkflowInstanceReq) (string, error) {
	if req == nil {
		return "", errors.WithMessage(ErrWorkflowParamInvalid, "nil CreateWorkflowInstanceReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return "", errors.WithMessagef(ErrWorkflowParamInvalid, "CreateWorkflowInstance failed, err: %v", err)
	}
	workflowID := uuid.NewString()
	workflow, err := c.backend.InitializeWorkflow(ctx, &InitializeWorkflowParams{
		WorkflowID:    workflowID,
		Generator:     req.Generator,
		GeneratorData: req.GeneratorData,
		BaseContext:   req.BaseContext,
		Realm:         req.Realm,
		Ephemeral:     req.Ephemeral,
	})
	if err != nil {
		return "", errors.WithMessagef(err, "InitializeWorkflow failed, generator: %s", req.Generator)
	}
	if c.index != nil {
		err = c.index.Create(ctx, &WorkflowIndexPo{ID: workflowID, Name: req.Name, Realm: req.Realm})
		if err != nil {
			if deleteErr := c.backend.DeleteWorkflow(ctx, workflowID); deleteErr != nil {
				slog.ErrorContext(ctx, fmt.Sprintf("rollback workflow failed, workflowID: %s, err: %v", workflowID, deleteErr))
			}
			return "", errors.WithMessagef(err, "create workflow index failed, workflowID: %s", workflowID)
		}
	}
	c.notifier.WorkflowDescription(ctx, workflowID, req.Name, workflow.Describe())
	if req.IsRun {
		if err := c.ExecuteAllTasks(ctx, workflowID, req.Argument); err != nil {
			return workflowID, errors.WithMessagef(err, "ExecuteAllTasks failed, workflowID: %s", workflowID)
		}
	}
	return workflowID, nil
}

func (c *Controller) ExecuteOneTask(ctx context.Context, workflowID string, path string, argument any) (*TaskHash, error) {
	var taskHash *TaskHash
	err := c.synchronized(ctx, workflowID, func(ctx context.Context) error {
		var err error
		taskHash, err = c.executeOneTask(ctx, workflowID, path, argument)
		return err
	})
	return taskHash, err
}

func (c *Controller) executeOneTask(ctx context.Context, workflowID string, path string, argument any) (*TaskHash, error) {
	start := time.Now()
	watcher, err := c.backend.ExecuteOneTask(ctx, workflowID, path, argument)
	if err != nil {
		c.metrics.observeTask(metricResultError, time.Since(start))
		c.handleError(ctx, workflowID, path, err)
		return nil, err
	}
	taskHash, err := watcher.Wait(ctx)
	switch watcher.Event() {
	case WatcherEventComplete:
		c.metrics.observeTask(metricResultOk, time.Since(start))
	case WatcherEventFailed:
		c.metrics.observeTask(metricResultFailed, time.Since(start))
	default:
		c.metrics.observeTask(metricResultError, time.Since(start))
	}
	c.notifyTasksStatuses(ctx, workflowID)
	if err != nil {
		c.handleError(ctx, workflowID, path, err)
		return nil, err
	}
	return taskHash, nil
}

// handleError 调用错误回调, ephemeral 的工作流直接删除
func (c *Controller) handleError(ctx context.Context, workflowID string, path string, err error) {
	if c.onError != nil {
		c.onError(ctx, workflowID, path, err)
	}
	_, workflowHash, getErr := c.backend.GetWorkflow(ctx, workflowID)
	if getErr != nil {
		slog.DebugContext(ctx, fmt.Sprintf("GetWorkflow after task error failed, workflowID: %s, err: %v", workflowID, getErr))
		return
	}
	if !workflowHash.Ephemeral {
		return
	}
	if deleteErr := c.backend.DeleteWorkflow(ctx, workflowID); deleteErr != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("delete ephemeral workflow failed, workflowID: %s, err: %v", workflowID, deleteErr))
		return
	}
	c.metrics.observeWorkflowFinished(metricOutcomeDeleted)
}

// ExecuteAllTasks 从第一个任务开始按顺序执行到最后, 任何一个任务失败就停下
// argument 只传给第一个任务, 后面的任务使用上一个任务的结果
func (c *Controller) ExecuteAllTasks(ctx context.Context, workflowID string, argument any) error {
	return c.synchronized(ctx, workflowID, func(ctx context.Context) error {
		workflow, workflowHash, err := c.backend.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		path, ok := workflow.FirstPath()
		if !ok {
			return errors.WithMessagef(ErrWorkflowParamInvalid, "empty workflow, workflowID: %s", workflowID)
		}
		return c.executeFrom(ctx, workflowID, workflowHash, workflow, path, argument)
	})
}

// ResumeWorkflow 从第一个不是 ok 的任务继续执行
func (c *Controller) ResumeWorkflow(ctx context.Context, workflowID string) error {
	return c.synchronized(ctx, workflowID, func(ctx context.Context) error {
		workflow, workflowHash, err := c.backend.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		path, ok := workflow.FirstPath()
		if !ok {
			return errors.WithMessagef(ErrWorkflowParamInvalid, "empty workflow, workflowID: %s", workflowID)
		}
		statuses, err := c.backend.GetTasksStatuses(ctx, workflowID, nil)
		if err != nil {
			return err
		}
		for ok {
			taskHash := statuses[path]
			if taskHash == nil || taskHash.Status != TaskStatusOk {
				return c.executeFrom(ctx, workflowID, workflowHash, workflow, path, nil)
			}
			path, ok, err = workflow.NextPath(path)
			if err != nil {
				return err
			}
		}
		if IsOverWorkflowStatus(workflowHash.Status) {
			return nil
		}
		return c.FinishWorkflow(ctx, workflowID)
	})
}

func (c *Controller) executeFrom(ctx context.Context, workflowID string, workflowHash *WorkflowHash, workflow *Workflow, path string, argument any) error {
	if IsOverWorkflowStatus(workflowHash.Status) {
		// 重新执行已经完成的工作流
		if err := c.backend.SetWorkflowStatus(ctx, workflowID, WorkflowStatusWorking); err != nil {
			return err
		}
		c.notifier.SetWorkflowStatus(ctx, workflowID, WorkflowStatusWorking)
	}
	ok := true
	for ok {
		if _, err := c.executeOneTask(ctx, workflowID, path, argument); err != nil {
			return errors.WithMessagef(err, "execute task failed, workflowID: %s, path: %s", workflowID, path)
		}
		argument = nil
		var err error
		path, ok, err = workflow.NextPath(path)
		if err != nil {
			return err
		}
	}
	return c.FinishWorkflow(ctx, workflowID)
}

// FinishWorkflow 调用完成回调, ephemeral 的删除, 其它的标记为 done
func (c *Controller) FinishWorkflow(ctx context.Context, workflowID string) error {
	return c.synchronized(ctx, workflowID, func(ctx context.Context) error {
		_, workflowHash, err := c.backend.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if c.onFinish != nil {
			c.onFinish(ctx, workflowID)
		}
		if workflowHash.Ephemeral {
			if err := c.backend.DeleteWorkflow(ctx, workflowID); err != nil {
				return errors.WithMessagef(err, "delete ephemeral workflow failed, workflowID: %s", workflowID)
			}
			c.metrics.observeWorkflowFinished(metricOutcomeDeleted)
			return nil
		}
		if err := c.backend.SetWorkflowStatus(ctx, workflowID, WorkflowStatusDone); err != nil {
			return err
		}
		c.notifier.SetWorkflowStatus(ctx, workflowID, WorkflowStatusDone)
		c.metrics.observeWorkflowFinished(metricOutcomeDone)
		return nil
	})
}

func (c *Controller) notifyTasksStatuses(ctx context.Context, workflowID string) {
	taskHashes, err := c.backend.GetTasksStatuses(ctx, workflowID, nil)
	if err != nil {
		slog.DebugContext(ctx, fmt.Sprintf("GetTasksStatuses for notification failed, workflowID: %s, err: %v", workflowID, err))
		return
	}
	statuses := make(map[string]TaskStatus, len(taskHashes))
	for path, taskHash := range taskHashes {
		if taskHash != nil {
			statuses[path] = taskHash.Status
		}
	}
	c.notifier.SetTasksStatuses(ctx, workflowID, statuses)
}

func (c *Controller) ListWorkflowInstances(ctx context.Context, params *QueryWorkflowIndexParams) ([]*WorkflowIndexPo, error) {
	if c.index == nil {
		return nil, ErrIndexNotConfigured
	}
	if params == nil {
		return c.index.GetAll(ctx)
	}
	return c.index.Query(ctx, params)
}

func (c *Controller) CountWorkflowInstances(ctx context.Context, params *QueryWorkflowIndexParams) (int64, error) {
	if c.index == nil {
		return 0, ErrIndexNotConfigured
	}
	if params == nil {
		params = &QueryWorkflowIndexParams{}
	}
	return c.index.Count(ctx, params)
}

func (c *Controller) DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowDetail, error) {
	workflow, workflowHash, err := c.backend.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.backend.GetTasksStatuses(ctx, workflowID, workflow.GetAllPaths())
	if err != nil {
		return nil, err
	}
	return &WorkflowDetail{
		ID:       workflowID,
		Workflow: workflowHash,
		Tasks:    workflow.Describe(),
		Statuses: tasks,
	}, nil
}

func (c *Controller) GetTasksStatuses(ctx context.Context, workflowID string, paths []string) (map[string]*TaskHash, error) {
	return c.backend.GetTasksStatuses(ctx, workflowID, paths)
}

func (c *Controller) UpdateWorkflow(ctx context.Context, workflowID string, updaters ...ContextUpdater) error {
	return c.synchronized(ctx, workflowID, func(ctx context.Context) error {
		return c.backend.UpdateWorkflow(ctx, workflowID, updaters...)
	})
}

func (c *Controller) SetContextUpdaters(ctx context.Context, workflowID string, path string, updaters []ContextUpdater) error {
	return c.synchronized(ctx, workflowID, func(ctx context.Context) error {
		return c.backend.SetContextUpdaters(ctx, workflowID, path, updaters)
	})
}

func (c *Controller) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return c.synchronized(ctx, workflowID, func(ctx context.Context) error {
		return c.backend.DeleteWorkflow(ctx, workflowID)
	})
}

func (c *Controller) DeleteWorkflowsByRealm(ctx context.Context, realm string) ([]string, error) {
	if realm == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "empty realm")
	}
	return c.backend.DeleteWorkflowsByRealm(ctx, realm)
}

func (c *Controller) GetAllWorkflowsUids(ctx context.Context) ([]string, error) {
	return c.backend.GetAllWorkflowsUids(ctx)
}

// WorkflowDetail 工作流记录, 任务树和每个任务的记录
type WorkflowDetail struct {
	ID       string               `json:"id"`
	Workflow *WorkflowHash        `json:"workflow"`
	Tasks    []*TaskDescription   `json:"tasks"`
	Statuses map[string]*TaskHash `json:"statuses"`
}

type CreateWorkflowInstanceReq struct {
	// 给界面展示用的名字, 写入索引
	Name          string          `json:"name" validate:"required"`
	Generator     string          `json:"generator" validate:"required"`
	GeneratorData json.RawMessage `json:"generator_data"`
	BaseContext   map[string]any  `json:"base_context"`
	Realm         string          `json:"realm"`
	Ephemeral     bool            `json:"ephemeral"`
	// 创建之后立刻执行全部任务
	IsRun    bool `json:"is_run"`
	Argument any  `json:"argument"`
}
