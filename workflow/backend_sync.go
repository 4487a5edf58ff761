package workflow

import (
	"context"

	"github.com/pkg/errors"
)

// SyncBackend 在当前调用里面直接执行任务, 状态保存在进程内存里面
// 适合测试和单进程嵌入
type SyncBackend struct {
	*backendCore
}

func NewSyncBackend(generators *GeneratorRegistry, opts ...BackendOption) *SyncBackend {
	return &SyncBackend{backendCore: newBackendCore(NewMemoryHashStorage(), generators, opts...)}
}

// ExecuteOneTask 返回的时候 watcher 已经是终态
func (b *SyncBackend) ExecuteOneTask(ctx context.Context, workflowID string, path string, argument any) (*TaskWatcher, error) {
	req, err := b.newRunRequest(ctx, workflowID, path, argument)
	if err != nil {
		return nil, err
	}
	watcher := NewTaskWatcher(workflowID, path)
	prepared, taskHash, err := b.runner.prepare(ctx, req)
	if prepared != nil {
		if err := b.storage.SetTaskStatus(ctx, workflowID, path, TaskStatusQueued); err != nil {
			return nil, err
		}
		watcher.Start()
		taskHash, err = b.runner.execute(ctx, req, prepared)
	} else if err == nil {
		// 被跳过也算开始了
		watcher.Start()
	}
	if persistErr := b.persistRun(ctx, req, taskHash); persistErr != nil {
		watcher.Error(persistErr)
		return watcher, nil
	}
	resolveWatcher(ctx, watcher, taskHash, err)
	return watcher, nil
}

// UpdateWorkflow 同步执行的工作流开始之后参数就固定了
func (b *SyncBackend) UpdateWorkflow(_ context.Context, workflowID string, _ ...ContextUpdater) error {
	return errors.WithMessagef(ErrWorkflowUpdateUnsupported, "sync backend, workflowID: %s", workflowID)
}

var _ Backend = (*SyncBackend)(nil)
