package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Backend 三种执行策略共同的契约
type Backend interface {
	/**
	 * @description: 初始化工作流实例, 写入工作流记录和每个路径的 inactive 任务记录
	 * @param ctx context.Context
	 * @param params *InitializeWorkflowParams
	 * @return *Workflow 生成出来的任务树, error
	 */
	InitializeWorkflow(ctx context.Context, params *InitializeWorkflowParams) (*Workflow, error)
	/**
	 * @description: 调度一个任务, 返回的 watcher 会收到 start 和一个终态
	 *				 工作流或者路径不存在的时候直接返回错误
	 * @param ctx context.Context
	 * @param workflowID string
	 * @param path string 任务路径, 例如 #.step1
	 * @param argument any 为nil的时候使用上一个任务的结果
	 * @return *TaskWatcher, error
	 */
	ExecuteOneTask(ctx context.Context, workflowID string, path string, argument any) (*TaskWatcher, error)
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, *WorkflowHash, error)
	UpdateWorkflow(ctx context.Context, workflowID string, updaters ...ContextUpdater) error
	SetWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus) error
	/**
	 * @description: 查询任务记录
	 * @param paths []string 为空的时候查询所有路径
	 */
	GetTasksStatuses(ctx context.Context, workflowID string, paths []string) (map[string]*TaskHash, error)
	GetAllWorkflowsUids(ctx context.Context) ([]string, error)
	SetContextUpdaters(ctx context.Context, workflowID string, path string, updaters []ContextUpdater) error
	DeleteWorkflow(ctx context.Context, workflowID string) error
	DeleteWorkflowsByRealm(ctx context.Context, realm string) ([]string, error)
	OnDeleteWorkflow(hook DeleteWorkflowHook)
}

// DeleteWorkflowHook 工作流被删除之后调用
type DeleteWorkflowHook func(ctx context.Context, workflowID string)

type InitializeWorkflowParams struct {
	WorkflowID    string          `json:"workflow_id" validate:"required"`
	Generator     string          `json:"generator" validate:"required"`
	GeneratorData json.RawMessage `json:"generator_data"`
	BaseContext   map[string]any  `json:"base_context"`
	Realm         string          `json:"realm"`
	Ephemeral     bool            `json:"ephemeral"`
}

type backendOptions struct {
	transforms  *TransformRegistry
	now         func() time.Time
	pollTimeout time.Duration
	// 队列后端定期回收租约过期的消费者留下的任务
	recoverInterval time.Duration
}

type BackendOption func(*backendOptions)

// WithTransforms apply 类型的 updater 使用的函数表
func WithTransforms(transforms *TransformRegistry) BackendOption {
	return func(o *backendOptions) {
		o.transforms = transforms
	}
}

// WithClock 测试里面控制 executionTime
func WithClock(now func() time.Time) BackendOption {
	return func(o *backendOptions) {
		o.now = now
	}
}

// WithPollTimeout 队列类后端一次长轮询的最长等待时间
func WithPollTimeout(timeout time.Duration) BackendOption {
	return func(o *backendOptions) {
		if timeout > 0 {
			o.pollTimeout = timeout
		}
	}
}

// WithRecoverInterval 队列后端回收过期消费者任务的间隔
func WithRecoverInterval(interval time.Duration) BackendOption {
	return func(o *backendOptions) {
		if interval > 0 {
			o.recoverInterval = interval
		}
	}
}

// backendCore 各个执行策略共用的生命周期管理
type backendCore struct {
	generators *GeneratorRegistry
	storage    *TaskStorage
	runner     *taskRunner
	options    *backendOptions

	hooksMu     sync.RWMutex
	deleteHooks []DeleteWorkflowHook
}

func newBackendCore(store HashStorage, generators *GeneratorRegistry, opts ...BackendOption) *backendCore {
	options := &backendOptions{transforms: NewTransformRegistry(), now: time.Now, pollTimeout: time.Second, recoverInterval: DefaultJobLeaseTTL}
	for _, opt := range opts {
		opt(options)
	}
	if generators == nil {
		generators = NewGeneratorRegistry()
	}
	return &backendCore{
		generators: generators,
		storage:    NewTaskStorage(store),
		runner:     newTaskRunner(options.transforms, options.now),
		options:    options,
	}
}

func (b *backendCore) Storage() *TaskStorage {
	return b.storage
}

func (b *backendCore) InitializeWorkflow(ctx context.Context, params *InitializeWorkflowParams) (*Workflow, error) {
	if params == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil InitializeWorkflowParams")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "validate failed: %v", err)
	}
	if _, err := b.storage.GetWorkflow(ctx, params.WorkflowID); err == nil {
		return nil, errors.WithMessagef(ErrWorkflowAlreadyInitialized, "workflowID: %s", params.WorkflowID)
	} else if !errors.Is(err, ErrWorkflowNotFound) {
		return nil, err
	}
	workflow, err := b.generators.Generate(ctx, params.Generator, params.GeneratorData)
	if err != nil {
		return nil, errors.WithMessagef(err, "Generate failed, workflowID: %s", params.WorkflowID)
	}
	baseContext, err := normalizeJSONValue(params.BaseContext)
	if err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "base context is not json: %v", err)
	}
	baseMap, _ := baseContext.(map[string]any)
	workflowHash := &WorkflowHash{
		Status:        WorkflowStatusWorking,
		Realm:         params.Realm,
		BaseContext:   baseMap,
		Ephemeral:     params.Ephemeral,
		Generator:     params.Generator,
		GeneratorData: params.GeneratorData,
		CreatedAt:     b.runner.now().UnixMilli(),
	}
	if err := b.storage.InitWorkflow(ctx, params.WorkflowID, workflowHash, workflow.GetAllPaths()); err != nil {
		return nil, err
	}
	return workflow, nil
}

func (b *backendCore) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, *WorkflowHash, error) {
	workflowHash, err := b.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	workflow, err := b.generators.Generate(ctx, workflowHash.Generator, workflowHash.GeneratorData)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "Generate failed, workflowID: %s", workflowID)
	}
	return workflow, workflowHash, nil
}

// UpdateWorkflow 用 updater 修改工作流记录, 任何一个 updater 失败整体不生效
func (b *backendCore) UpdateWorkflow(ctx context.Context, workflowID string, updaters ...ContextUpdater) error {
	workflowHash, err := b.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	raw, err := normalizeJSONValue(workflowHash)
	if err != nil {
		return errors.WithMessagef(err, "normalize workflow hash failed, workflowID: %s", workflowID)
	}
	current, _ := raw.(map[string]any)
	for i, updater := range updaters {
		if err := validatorUtil.Struct(updater); err != nil {
			return errors.WithMessagef(ErrInvalidContextUpdater, "updater %d invalid: %v", i, err)
		}
		current, err = applyUpdater(current, updater, b.runner.transforms)
		if err != nil {
			return errors.WithMessagef(err, "apply updater %d failed, workflowID: %s", i, workflowID)
		}
	}
	updated := &WorkflowHash{}
	if err := decodeMap(current, updated); err != nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "updated workflow hash invalid: %v", err)
	}
	if updated.Generator == "" {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "generator cannot be removed, workflowID: %s", workflowID)
	}
	return b.storage.SetWorkflow(ctx, workflowID, updated)
}

func decodeMap(m map[string]any, out any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (b *backendCore) SetWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus) error {
	return b.storage.SetWorkflowStatus(ctx, workflowID, status)
}

func (b *backendCore) GetTasksStatuses(ctx context.Context, workflowID string, paths []string) (map[string]*TaskHash, error) {
	if len(paths) == 0 {
		workflow, _, err := b.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		paths = workflow.GetAllPaths()
	}
	return b.storage.GetTasksStatuses(ctx, workflowID, paths)
}

func (b *backendCore) GetAllWorkflowsUids(ctx context.Context) ([]string, error) {
	return b.storage.GetAllWorkflowsUids(ctx)
}

func (b *backendCore) SetContextUpdaters(ctx context.Context, workflowID string, path string, updaters []ContextUpdater) error {
	normalized := make([]ContextUpdater, 0, len(updaters))
	for i, updater := range updaters {
		if err := validatorUtil.Struct(updater); err != nil {
			return errors.WithMessagef(ErrInvalidContextUpdater, "updater %d invalid: %v", i, err)
		}
		value, err := normalizeJSONValue(updater.Value)
		if err != nil {
			return errors.WithMessagef(ErrInvalidContextUpdater, "updater %d value not json: %v", i, err)
		}
		updater.Value = value
		normalized = append(normalized, updater)
	}
	return b.storage.SetContextUpdaters(ctx, workflowID, path, normalized)
}

// DeleteWorkflow 工作流不存在的时候直接返回成功
func (b *backendCore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	workflow, _, err := b.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			return nil
		}
		return err
	}
	if err := b.storage.DeleteWorkflow(ctx, workflowID, workflow.GetAllPaths()); err != nil {
		return err
	}
	b.emitDeleted(ctx, workflowID)
	return nil
}

func (b *backendCore) DeleteWorkflowsByRealm(ctx context.Context, realm string) ([]string, error) {
	workflowIDs, err := b.storage.DeleteByRealm(ctx, realm)
	if err != nil {
		return nil, err
	}
	for _, workflowID := range workflowIDs {
		b.emitDeleted(ctx, workflowID)
	}
	return workflowIDs, nil
}

func (b *backendCore) OnDeleteWorkflow(hook DeleteWorkflowHook) {
	if hook == nil {
		return
	}
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.deleteHooks = append(b.deleteHooks, hook)
}

func (b *backendCore) emitDeleted(ctx context.Context, workflowID string) {
	b.hooksMu.RLock()
	hooks := append([]DeleteWorkflowHook(nil), b.deleteHooks...)
	b.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, workflowID)
	}
}

// newRunRequest 重新生成任务树, 组装一次执行需要的输入
func (b *backendCore) newRunRequest(ctx context.Context, workflowID string, path string, argument any) (*runRequest, error) {
	workflow, workflowHash, err := b.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if _, ok := workflow.Lookup(path); !ok {
		return nil, newTaskError(TaskErrorCannotFindTask, "path %s not in workflow %s", path, workflowID)
	}
	return &runRequest{
		WorkflowID:   workflowID,
		Workflow:     workflow,
		WorkflowHash: workflowHash,
		Path:         path,
		Argument:     argument,
		Fetch:        b.storage.Fetcher(workflowID),
	}, nil
}

// persistRun 失败记录和成功记录都整体覆盖写入
func (b *backendCore) persistRun(ctx context.Context, req *runRequest, taskHash *TaskHash) error {
	if taskHash == nil {
		return nil
	}
	if err := b.storage.SetTask(ctx, req.WorkflowID, req.Path, taskHash); err != nil {
		return errors.WithMessagef(err, "persist task hash failed, workflowID: %s, path: %s", req.WorkflowID, req.Path)
	}
	return nil
}

// resolveWatcher 把执行结果翻译成 watcher 的终态
func resolveWatcher(ctx context.Context, watcher *TaskWatcher, taskHash *TaskHash, err error) {
	if err == nil {
		watcher.Complete(taskHash)
		return
	}
	if taskErr, ok := AsTaskError(err); ok && taskErr.Type == TaskErrorExecutionFailed {
		watcher.Failed(taskErr)
		return
	}
	if IsSeriousError(err) {
		slog.ErrorContext(ctx, fmt.Sprintf("[error]task run failed, workflowID: %s, path: %s, err: %v", watcher.WorkflowID(), watcher.Path(), err))
	} else {
		slog.WarnContext(ctx, fmt.Sprintf("[warn]task run failed, workflowID: %s, path: %s, err: %v", watcher.WorkflowID(), watcher.Path(), err))
	}
	watcher.Error(err)
}
