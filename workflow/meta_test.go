package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusText(t *testing.T) {
	t.Run("任务状态", func(t *testing.T) {
		assert.Equal(t, "未执行", GetTaskStatusText(TaskStatusInactive))
		assert.Equal(t, "排队中", GetTaskStatusText(TaskStatusQueued))
		assert.Equal(t, "完成", GetTaskStatusText(TaskStatusOk))
		assert.Equal(t, "失败", GetTaskStatusText(TaskStatusFailed))
		assert.Equal(t, "未知", GetTaskStatusText("running"))
	})
	t.Run("工作流状态", func(t *testing.T) {
		assert.Equal(t, "运行中", GetWorkflowStatusText(WorkflowStatusWorking))
		assert.Equal(t, "完成", GetWorkflowStatusText(WorkflowStatusDone))
		assert.Equal(t, "未知", GetWorkflowStatusText(""))
		assert.True(t, IsOverWorkflowStatus(WorkflowStatusDone))
		assert.False(t, IsOverWorkflowStatus(WorkflowStatusWorking))
	})
}
