package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
)

var skippedTaskBody = map[string]any{"message": "Task skipped"}

// runRequest 执行一个任务需要的全部输入
type runRequest struct {
	WorkflowID   string
	Workflow     *Workflow
	WorkflowHash *WorkflowHash
	Path         string
	Argument     any
	Fetch        TaskHashFetcher
}

// preparedRun 上下文已经组装好, 等待执行
type preparedRun struct {
	resolved *ResolvedTask
	argument any
}

// taskRunner 所有执行策略共用的单任务执行协议
type taskRunner struct {
	transforms *TransformRegistry
	now        func() time.Time
}

func newTaskRunner(transforms *TransformRegistry, now func() time.Time) *taskRunner {
	if now == nil {
		now = time.Now
	}
	return &taskRunner{transforms: transforms, now: now}
}

// run 组装上下文, 执行任务, 返回需要整体写入的 TaskHash
// 返回 EXECUTION_FAILED 的时候 TaskHash 是失败记录, 其它错误不返回 TaskHash, 也不需要持久化
func (r *taskRunner) run(ctx context.Context, req *runRequest) (*TaskHash, error) {
	prepared, taskHash, err := r.prepare(ctx, req)
	if err != nil || prepared == nil {
		return taskHash, err
	}
	return r.execute(ctx, req, prepared)
}

// prepare 返回三种情况:
//  1. prepared 非空: 可以执行
//  2. prepared 为空, err 为空: 条件不满足被跳过, TaskHash 是跳过记录
//  3. err 非空: TaskHash 非空的时候需要作为失败记录持久化
func (r *taskRunner) prepare(ctx context.Context, req *runRequest) (*preparedRun, *TaskHash, error) {
	resolved, err := req.Workflow.GetTask(ctx, req.Path, req.WorkflowHash.BaseContext, req.Fetch, r.transforms)
	if err != nil {
		return nil, nil, err
	}
	argument := req.Argument
	if argument == nil {
		argument = resolved.PrevResult
	}
	prepared := &preparedRun{resolved: resolved}
	argument, err = normalizeJSONValue(argument)
	if err != nil {
		taskHash, taskErr := r.failure(req, prepared, map[string]any{"message": fmt.Sprintf("argument is not json: %v", err)}, nil)
		return nil, taskHash, taskErr
	}
	prepared.argument = argument

	pass, err := r.checkCondition(ctx, req, resolved)
	if err != nil {
		taskHash, taskErr := r.failure(req, prepared, errorBody(err), nil)
		return nil, taskHash, taskErr
	}
	if !pass {
		slog.DebugContext(ctx, fmt.Sprintf("[task] skipped, workflowID: %s, path: %s", req.WorkflowID, req.Path))
		return nil, &TaskHash{
			Status:          TaskStatusOk,
			Body:            skippedTaskBody,
			ExecutionTime:   r.nowMillis(),
			Argument:        argument,
			Context:         resolved.Context,
			ContextUpdaters: make([]ContextUpdater, 0),
			Realm:           req.WorkflowHash.Realm,
		}, nil
	}
	return prepared, nil, nil
}

func (r *taskRunner) checkCondition(ctx context.Context, req *runRequest, resolved *ResolvedTask) (pass bool, err error) {
	if resolved.Task.Condition == nil {
		return true, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[task] condition panic: %v, workflowID: %s, path: %s, stack: %s", rec, req.WorkflowID, req.Path, string(debug.Stack())))
			err = errors.Errorf("condition panic: %v", rec)
		}
	}()
	return resolved.Task.Condition(NewJSONContextFromMap(cloneContext(resolved.Context))), nil
}

func (r *taskRunner) execute(ctx context.Context, req *runRequest, prepared *preparedRun) (*TaskHash, error) {
	resolved := prepared.resolved
	factory := newTaskFactory(req.WorkflowID, req.Path, req.WorkflowHash.Realm, resolved.Context, resolved.ResultContext, r.transforms, true)
	body, err := r.invoke(ctx, req, resolved.Task, prepared.argument, factory)
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[task] execute failed, workflowID: %s, path: %s, err: %v", req.WorkflowID, req.Path, err))
		taskHash, taskErr := r.failure(req, prepared, errorBody(err), factory.Updaters())
		return taskHash, taskErr
	}
	body, err = normalizeJSONValue(body)
	if err != nil {
		taskHash, taskErr := r.failure(req, prepared, map[string]any{"message": fmt.Sprintf("result is not json: %v", err)}, factory.Updaters())
		return taskHash, taskErr
	}
	return r.success(req, prepared, body, factory.Updaters()), nil
}

// invoke panic 和返回错误走同一条路径
func (r *taskRunner) invoke(ctx context.Context, req *runRequest, task *Task, argument any, factory *TaskFactory) (body any, err error) {
	if task.Executor == nil {
		return nil, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[task] execute panic: %v, workflowID: %s, path: %s, stack: %s", rec, req.WorkflowID, req.Path, string(debug.Stack())))
			body = nil
			err = errors.Errorf("task panic: %v", rec)
		}
	}()
	return task.Executor.Execute(ctx, argument, factory)
}

func (r *taskRunner) nowMillis() *int64 {
	now := r.now().UnixMilli()
	return &now
}

// success context 是任务执行前看到的上下文, 不包含自己的修改
func (r *taskRunner) success(req *runRequest, prepared *preparedRun, body any, updaters []ContextUpdater) *TaskHash {
	if updaters == nil {
		updaters = make([]ContextUpdater, 0)
	}
	return &TaskHash{
		Status:          TaskStatusOk,
		Body:            body,
		ExecutionTime:   r.nowMillis(),
		Argument:        prepared.argument,
		Context:         prepared.resolved.Context,
		ContextUpdaters: updaters,
		Realm:           req.WorkflowHash.Realm,
	}
}

// failure 失败记录保留上一次成功的执行时间
func (r *taskRunner) failure(req *runRequest, prepared *preparedRun, body any, updaters []ContextUpdater) (*TaskHash, *TaskError) {
	if updaters == nil {
		updaters = make([]ContextUpdater, 0)
	}
	var executionTime *int64
	if prepared.resolved.Hash != nil {
		executionTime = prepared.resolved.Hash.ExecutionTime
	}
	taskErr := &TaskError{
		Type:    TaskErrorExecutionFailed,
		Message: fmt.Sprintf("task %s failed", req.Path),
		Payload: &TaskErrorPayload{
			Body:            body,
			Argument:        prepared.argument,
			Context:         prepared.resolved.Context,
			ContextUpdaters: updaters,
		},
	}
	return &TaskHash{
		Status:          TaskStatusFailed,
		Body:            body,
		ExecutionTime:   executionTime,
		Argument:        prepared.argument,
		Context:         prepared.resolved.Context,
		ContextUpdaters: updaters,
		Realm:           req.WorkflowHash.Realm,
	}, taskErr
}
