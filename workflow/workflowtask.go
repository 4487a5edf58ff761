package workflow

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New(validator.WithRequiredStructEnabled())

// TaskExecutor 任务执行器,需要外部实现
type TaskExecutor interface {
	/**
	 * @description:  任务执行
	 * @param ctx context.Context 上下文
	 * @param argument any 任务参数, 为nil的时候会被替换成上一个任务的结果
	 * @param factory *TaskFactory 读取上下文和提交上下文修改
	 * @return any 任务结果, 会被持久化到 TaskHash.body
	 * @return error 非nil表示执行失败, 统一变成 EXECUTION_FAILED
	 */
	Execute(ctx context.Context, argument any, factory *TaskFactory) (any, error)
}

// ExecuteFunc 函数适配成 TaskExecutor
type ExecuteFunc func(ctx context.Context, argument any, factory *TaskFactory) (any, error)

func (f ExecuteFunc) Execute(ctx context.Context, argument any, factory *TaskFactory) (any, error) {
	return f(ctx, argument, factory)
}

// ConditionFunc 返回false的时候任务被跳过
type ConditionFunc func(taskContext *JSONContext) bool

// Task 生成器的产物, 不持久化
type Task struct {
	// 兄弟节点之间唯一, 不能包含路径分隔符
	Name        string `validate:"required,excludesall=.#"`
	Description string
	// 非空的时候, 这个任务的结果会以这个名字注入到后续任务的上下文里面
	ContextVar string `validate:"omitempty,excludesall=.#"`
	Condition  ConditionFunc
	// 为nil的是纯分组节点, 执行的时候直接成功
	Executor TaskExecutor
	Children []*Task
}

func NewTask(name string, execute ExecuteFunc) *Task {
	t := &Task{Name: name}
	if execute != nil {
		t.Executor = execute
	}
	return t
}

// NewGroupTask 只用于展示的分组节点
func NewGroupTask(name string, children ...*Task) *Task {
	return &Task{Name: name, Children: children}
}

func (t *Task) WithDescription(description string) *Task {
	t.Description = description
	return t
}

func (t *Task) WithContextVar(contextVar string) *Task {
	t.ContextVar = contextVar
	return t
}

func (t *Task) WithCondition(condition ConditionFunc) *Task {
	t.Condition = condition
	return t
}

func (t *Task) WithChildren(children ...*Task) *Task {
	t.Children = append(t.Children, children...)
	return t
}

// failureBodyError 带结构化 body 的失败
type failureBodyError struct {
	body any
}

func (e *failureBodyError) Error() string {
	return "task failed with body"
}

// FailWithBody 任务回调返回这个错误的时候, body 原样持久化到失败的 TaskHash
func FailWithBody(body any) error {
	return &failureBodyError{body: body}
}

func errorBody(err error) any {
	var bodyErr *failureBodyError
	if errors.As(err, &bodyErr) {
		return bodyErr.body
	}
	return map[string]any{"message": err.Error()}
}

// TaskFactory 任务回调看到的运行环境
type TaskFactory struct {
	workflowID      string
	path            string
	realm           string
	previousContext map[string]any
	working         map[string]any
	updaters        []ContextUpdater
	transforms      *TransformRegistry
	updatable       bool
}

func newTaskFactory(workflowID, path, realm string, taskContext, previousContext map[string]any, transforms *TransformRegistry, updatable bool) *TaskFactory {
	return &TaskFactory{
		workflowID:      workflowID,
		path:            path,
		realm:           realm,
		previousContext: cloneContext(previousContext),
		working:         cloneContext(taskContext),
		updaters:        make([]ContextUpdater, 0),
		transforms:      transforms,
		updatable:       updatable,
	}
}

func (f *TaskFactory) WorkflowID() string { return f.workflowID }
func (f *TaskFactory) Path() string       { return f.path }
func (f *TaskFactory) Realm() string      { return f.realm }

// Context 当前上下文, 包含本次执行里面已经提交的修改, 返回的是拷贝
func (f *TaskFactory) Context() *JSONContext {
	return NewJSONContextFromMap(cloneContext(f.working))
}

// PreviousContext 上一次执行这个任务之后的上下文, 用于幂等的重复执行
func (f *TaskFactory) PreviousContext() *JSONContext {
	return NewJSONContextFromMap(cloneContext(f.previousContext))
}

// UpdateContext 记录一个修改, 同时应用到本次执行的工作副本上
// 应用失败的修改不会被记录
func (f *TaskFactory) UpdateContext(updater ContextUpdater) error {
	if !f.updatable {
		return errors.WithMessagef(ErrContextUpdateUnsupported, "path: %s", f.path)
	}
	if err := validatorUtil.Struct(updater); err != nil {
		return errors.WithMessagef(ErrInvalidContextUpdater, "validate failed: %v", err)
	}
	value, err := normalizeJSONValue(updater.Value)
	if err != nil {
		return errors.WithMessagef(ErrInvalidContextUpdater, "value not json: %v", err)
	}
	updater.Value = value
	next, err := applyUpdater(cloneContext(f.working), updater, f.transforms)
	if err != nil {
		return err
	}
	f.working = next
	f.updaters = append(f.updaters, updater)
	return nil
}

// Updaters 本次执行记录下来的修改
func (f *TaskFactory) Updaters() []ContextUpdater {
	out := make([]ContextUpdater, len(f.updaters))
	copy(out, f.updaters)
	return out
}
