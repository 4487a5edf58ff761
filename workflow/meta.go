package workflow

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrWorkflowParamInvalid        = errors.New("workflow param invalid")
	ErrWorkflowNotFound            = errors.New("workflow not found")
	ErrWorkflowTaskNotFound        = errors.New("workflow task not found")
	ErrGeneratorNotFound           = errors.New("workflow generator not found")
	ErrGeneratorAlreadyRegistered  = errors.New("workflow generator already registered")
	ErrTransformNotFound           = errors.New("context transform not found")
	ErrTransformAlreadyRegistered  = errors.New("context transform already registered")
	ErrWorkflowUpdateUnsupported   = errors.New("workflow update unsupported")
	ErrBackendNotStarted           = errors.New("backend not started")
	ErrTaskExecutorNotFound        = errors.New("task executor not found")
	ErrWorkflowAlreadyInitialized  = errors.New("workflow already initialized")
	ErrInvalidContextUpdater       = errors.New("invalid context updater")
	ErrDistributedWorkerNotReached = errors.New("distributed worker not reached")
	ErrQueueNotFound               = errors.New("message queue not found")
	ErrContextUpdateUnsupported    = errors.New("context update unsupported")
	ErrIndexNotConfigured          = errors.New("workflow index not configured")

	// 下面四个错误和 TaskError.Type 一一对应, errors.Is(err, ErrCannotStartTask) 即可判断
	ErrCannotFindTask  = errors.New("cannot find task")
	ErrCannotStartTask = errors.New("cannot start task")
	ErrSchedulerError  = errors.New("scheduler error")
	ErrExecutionFailed = errors.New("execution failed")
)

// TaskStatus 任务状态, 每个任务路径一个
type TaskStatus = string

const (
	// 初始化工作流的时候，所有路径都是 inactive
	TaskStatusInactive TaskStatus = "inactive"
	// 已经被调度，还没有结果
	TaskStatusQueued TaskStatus = "queued"
	// 执行成功 (被跳过也是 ok)
	TaskStatusOk     TaskStatus = "ok"
	TaskStatusFailed TaskStatus = "failed"
)

func GetTaskStatusText(status TaskStatus) string {
	switch status {
	case TaskStatusInactive:
		return "未执行"
	case TaskStatusQueued:
		return "排队中"
	case TaskStatusOk:
		return "完成"
	case TaskStatusFailed:
		return "失败"
	}
	return "未知"
}

type WorkflowStatus = string

const (
	WorkflowStatusWorking WorkflowStatus = "working"
	// 完成, 非 ephemeral 的工作流执行完最后一个任务之后的状态
	WorkflowStatusDone WorkflowStatus = "done"
)

func GetWorkflowStatusText(status WorkflowStatus) string {
	switch status {
	case WorkflowStatusWorking:
		return "运行中"
	case WorkflowStatusDone:
		return "完成"
	}
	return "未知"
}

func IsOverWorkflowStatus(status WorkflowStatus) bool {
	return status == WorkflowStatusDone
}

// TaskErrorType 任务执行错误的分类
type TaskErrorType = string

const (
	// 路径在生成的树里面找不到, 不会重试
	TaskErrorCannotFindTask TaskErrorType = "CANNOT_FIND_TASK"
	// 前置任务状态不对或者执行顺序不对, 需要调用方重新执行前置任务
	TaskErrorCannotStartTask TaskErrorType = "CANNOT_START_TASK"
	// 不支持的树形结构, 例如嵌套并行
	TaskErrorSchedulerError TaskErrorType = "SCHEDULER_ERROR"
	// 任务回调本身失败了, payload 里面带着能够复现这次执行的全部信息
	TaskErrorExecutionFailed TaskErrorType = "EXECUTION_FAILED"
)

// TaskErrorPayload EXECUTION_FAILED 的现场
type TaskErrorPayload struct {
	Body            any              `json:"body"`
	Argument        any              `json:"argument"`
	Context         map[string]any   `json:"context"`
	ContextUpdaters []ContextUpdater `json:"context_updaters"`
}

// TaskError 任务级别的错误, 所有执行策略最后都会收敛到这个结构
type TaskError struct {
	Type    TaskErrorType     `json:"type"`
	Message string            `json:"message"`
	Payload *TaskErrorPayload `json:"payload,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *TaskError) Unwrap() error {
	switch e.Type {
	case TaskErrorCannotFindTask:
		return ErrCannotFindTask
	case TaskErrorCannotStartTask:
		return ErrCannotStartTask
	case TaskErrorSchedulerError:
		return ErrSchedulerError
	case TaskErrorExecutionFailed:
		return ErrExecutionFailed
	}
	return nil
}

func newTaskError(errType TaskErrorType, format string, args ...any) *TaskError {
	return &TaskError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// AsTaskError 从错误链上面取出 TaskError
func AsTaskError(err error) (*TaskError, bool) {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr, true
	}
	return nil, false
}

// IsSeriousError 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理处理，
// 1. 工作流定义和路径对不上，重试多少次都不会成功
// 2. 配置或者注册不正确
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrCannotFindTask) ||
		errors.Is(causeErr, ErrSchedulerError) ||
		errors.Is(causeErr, ErrGeneratorNotFound) ||
		errors.Is(causeErr, ErrGeneratorAlreadyRegistered) ||
		errors.Is(causeErr, ErrTransformAlreadyRegistered) ||
		errors.Is(causeErr, ErrWorkflowNotFound) ||
		errors.Is(causeErr, ErrTaskExecutorNotFound) {
		return true
	}
	return false
}
