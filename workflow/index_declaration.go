package workflow

import (
	"context"
)

// WorkflowIndex 按名字列出工作流实例, 给界面枚举使用
type WorkflowIndex interface {
	Create(ctx context.Context, index *WorkflowIndexPo) error
	GetAll(ctx context.Context) ([]*WorkflowIndexPo, error)
	Query(ctx context.Context, param *QueryWorkflowIndexParams) ([]*WorkflowIndexPo, error)
	Count(ctx context.Context, param *QueryWorkflowIndexParams) (int64, error)
	Delete(ctx context.Context, ids []string) error
}
