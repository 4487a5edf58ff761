package workflow

import "context"

type NotificationType = string

const (
	NotificationWorkflowDescription NotificationType = "workflowDescription"
	NotificationSetWorkflowStatus   NotificationType = "setWorkflowStatus"
	NotificationSetTasksStatuses    NotificationType = "setTasksStatuses"
)

// Notification 推给界面的事件
type Notification struct {
	Type       NotificationType      `json:"type"`
	WorkflowID string                `json:"workflow_id"`
	Name       string                `json:"name,omitempty"`
	Tasks      []*TaskDescription    `json:"tasks,omitempty"`
	Status     WorkflowStatus        `json:"status,omitempty"`
	Statuses   map[string]TaskStatus `json:"statuses,omitempty"`
}

// Notifier 通知出口, 实现不能阻塞调用方, 发不出去直接丢弃
type Notifier interface {
	WorkflowDescription(ctx context.Context, workflowID string, name string, tasks []*TaskDescription)
	SetWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus)
	SetTasksStatuses(ctx context.Context, workflowID string, statuses map[string]TaskStatus)
}

type noopNotifier struct{}

func NewNoopNotifier() Notifier {
	return noopNotifier{}
}

func (noopNotifier) WorkflowDescription(context.Context, string, string, []*TaskDescription) {}
func (noopNotifier) SetWorkflowStatus(context.Context, string, WorkflowStatus)               {}
func (noopNotifier) SetTasksStatuses(context.Context, string, map[string]TaskStatus)         {}
