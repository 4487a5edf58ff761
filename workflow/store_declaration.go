package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Hash 存储里面的一条哈希, 每个字段单独做 json 编码
type Hash map[string]json.RawMessage

// KeyHash bulkSet 的一个元素
type KeyHash struct {
	Key  string
	Data Hash
}

// HashStorage 键值哈希存储, 所有实现都必须保证 Set 是整体覆盖
type HashStorage interface {
	Set(ctx context.Context, key string, data Hash) error
	SetField(ctx context.Context, key string, field string, value json.RawMessage) error
	BulkSet(ctx context.Context, items []KeyHash) error
	// Get key 不存在返回 nil, nil
	Get(ctx context.Context, key string) (Hash, error)
	// GetField key 或者字段不存在返回 nil, nil
	GetField(ctx context.Context, key string, field string) (json.RawMessage, error)
	// BulkGet 结果和 keys 一一对应, 不存在的位置为 nil
	BulkGet(ctx context.Context, keys []string) ([]Hash, error)
	Delete(ctx context.Context, key string) error
	BulkDelete(ctx context.Context, keys []string) error
	// DeleteByField 删除 field 等于 value 的所有 key, 返回被删除的 key
	DeleteByField(ctx context.Context, field string, value json.RawMessage) ([]string, error)
	GetAllWorkflowsUids(ctx context.Context) ([]string, error)
}

const (
	workflowKeyPrefix     = "workflow_"
	workflowTaskKeyPrefix = "workflowTask_"
)

func WorkflowKey(workflowID string) string {
	return workflowKeyPrefix + workflowID
}

func WorkflowTaskKey(workflowID string, path string) string {
	return fmt.Sprintf("%s%s_%s", workflowTaskKeyPrefix, workflowID, path)
}

// WorkflowIDFromKey workflow_<id> -> <id>, 任务的 key 返回 false
func WorkflowIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, workflowKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, workflowKeyPrefix), true
}
