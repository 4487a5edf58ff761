package workflow

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// TaskHash 一个工作流实例里面一个任务路径的执行记录, 每次执行整体覆盖
type TaskHash struct {
	Status TaskStatus `json:"status"`
	// 成功的时候是结果, 失败的时候是错误内容
	Body any `json:"body"`
	// 上一次成功执行的毫秒时间戳, 没有执行过为nil
	ExecutionTime *int64 `json:"execution_time"`
	Argument      any    `json:"argument"`
	// 任务执行前看到的上下文, 不包含自己的修改
	Context         map[string]any   `json:"context"`
	ContextUpdaters []ContextUpdater `json:"context_updaters"`
	Realm           string           `json:"realm"`
}

func (h *TaskHash) GetExecutionTime() int64 {
	if h == nil || h.ExecutionTime == nil {
		return 0
	}
	return *h.ExecutionTime
}

// WorkflowHash 一个工作流实例的元数据, 任务树本身不持久化, 只保存生成它的方式
type WorkflowHash struct {
	Status        WorkflowStatus  `json:"status"`
	Realm         string          `json:"realm"`
	BaseContext   map[string]any  `json:"base_context"`
	Ephemeral     bool            `json:"ephemeral"`
	Generator     string          `json:"generator"`
	GeneratorData json.RawMessage `json:"generator_data"`
	CreatedAt     int64           `json:"created_at"`
}

func encodeHash(v any) (Hash, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	h := make(Hash)
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeHash(h Hash, out any) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// TaskStorage 在 HashStorage 之上按工作流/任务的语义读写
type TaskStorage struct {
	store HashStorage
}

func NewTaskStorage(store HashStorage) *TaskStorage {
	return &TaskStorage{store: store}
}

func (s *TaskStorage) HashStorage() HashStorage {
	return s.store
}

// InitWorkflow 一次写入工作流和所有路径的 inactive 记录
func (s *TaskStorage) InitWorkflow(ctx context.Context, workflowID string, workflowHash *WorkflowHash, paths []string) error {
	data, err := encodeHash(workflowHash)
	if err != nil {
		return errors.WithMessagef(err, "encode workflow hash failed, workflowID: %s", workflowID)
	}
	items := make([]KeyHash, 0, len(paths)+1)
	items = append(items, KeyHash{Key: WorkflowKey(workflowID), Data: data})
	for _, path := range paths {
		taskData, err := encodeHash(&TaskHash{
			Status:          TaskStatusInactive,
			ContextUpdaters: make([]ContextUpdater, 0),
			Realm:           workflowHash.Realm,
		})
		if err != nil {
			return errors.WithMessagef(err, "encode task hash failed, workflowID: %s, path: %s", workflowID, path)
		}
		items = append(items, KeyHash{Key: WorkflowTaskKey(workflowID, path), Data: taskData})
	}
	if err := s.store.BulkSet(ctx, items); err != nil {
		return errors.WithMessagef(err, "BulkSet failed, workflowID: %s", workflowID)
	}
	return nil
}

func (s *TaskStorage) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowHash, error) {
	data, err := s.store.Get(ctx, WorkflowKey(workflowID))
	if err != nil {
		return nil, errors.WithMessagef(err, "Get workflow failed, workflowID: %s", workflowID)
	}
	if data == nil {
		return nil, errors.WithMessagef(ErrWorkflowNotFound, "workflowID: %s", workflowID)
	}
	workflowHash := &WorkflowHash{}
	if err := decodeHash(data, workflowHash); err != nil {
		return nil, errors.WithMessagef(err, "decode workflow hash failed, workflowID: %s", workflowID)
	}
	return workflowHash, nil
}

func (s *TaskStorage) SetWorkflow(ctx context.Context, workflowID string, workflowHash *WorkflowHash) error {
	data, err := encodeHash(workflowHash)
	if err != nil {
		return errors.WithMessagef(err, "encode workflow hash failed, workflowID: %s", workflowID)
	}
	return s.store.Set(ctx, WorkflowKey(workflowID), data)
}

func (s *TaskStorage) SetWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus) error {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return err
	}
	value, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := s.store.SetField(ctx, WorkflowKey(workflowID), "status", value); err != nil {
		return errors.WithMessagef(err, "SetField status failed, workflowID: %s", workflowID)
	}
	return nil
}

// GetTask 不存在返回 nil, nil
func (s *TaskStorage) GetTask(ctx context.Context, workflowID string, path string) (*TaskHash, error) {
	data, err := s.store.Get(ctx, WorkflowTaskKey(workflowID, path))
	if err != nil {
		return nil, errors.WithMessagef(err, "Get task failed, workflowID: %s, path: %s", workflowID, path)
	}
	if data == nil {
		return nil, nil
	}
	taskHash := &TaskHash{}
	if err := decodeHash(data, taskHash); err != nil {
		return nil, errors.WithMessagef(err, "decode task hash failed, workflowID: %s, path: %s", workflowID, path)
	}
	return taskHash, nil
}

// SetTask 整体覆盖
func (s *TaskStorage) SetTask(ctx context.Context, workflowID string, path string, taskHash *TaskHash) error {
	if taskHash.ContextUpdaters == nil {
		taskHash.ContextUpdaters = make([]ContextUpdater, 0)
	}
	data, err := encodeHash(taskHash)
	if err != nil {
		return errors.WithMessagef(err, "encode task hash failed, workflowID: %s, path: %s", workflowID, path)
	}
	if err := s.store.Set(ctx, WorkflowTaskKey(workflowID, path), data); err != nil {
		return errors.WithMessagef(err, "Set task failed, workflowID: %s, path: %s", workflowID, path)
	}
	return nil
}

// SetTaskStatus 读出来改完整体写回去
func (s *TaskStorage) SetTaskStatus(ctx context.Context, workflowID string, path string, status TaskStatus) error {
	taskHash, err := s.GetTask(ctx, workflowID, path)
	if err != nil {
		return err
	}
	if taskHash == nil {
		return errors.WithMessagef(ErrWorkflowTaskNotFound, "workflowID: %s, path: %s", workflowID, path)
	}
	taskHash.Status = status
	return s.SetTask(ctx, workflowID, path, taskHash)
}

// SetContextUpdaters 替换任务持久化的修改列表, 不重新执行任务
func (s *TaskStorage) SetContextUpdaters(ctx context.Context, workflowID string, path string, updaters []ContextUpdater) error {
	taskHash, err := s.GetTask(ctx, workflowID, path)
	if err != nil {
		return err
	}
	if taskHash == nil {
		return errors.WithMessagef(ErrWorkflowTaskNotFound, "workflowID: %s, path: %s", workflowID, path)
	}
	taskHash.ContextUpdaters = updaters
	return s.SetTask(ctx, workflowID, path, taskHash)
}

// GetTasksStatuses 不存在的路径不会出现在结果里面
func (s *TaskStorage) GetTasksStatuses(ctx context.Context, workflowID string, paths []string) (map[string]*TaskHash, error) {
	keys := make([]string, 0, len(paths))
	for _, path := range paths {
		keys = append(keys, WorkflowTaskKey(workflowID, path))
	}
	datas, err := s.store.BulkGet(ctx, keys)
	if err != nil {
		return nil, errors.WithMessagef(err, "BulkGet failed, workflowID: %s", workflowID)
	}
	statuses := make(map[string]*TaskHash, len(paths))
	for i, data := range datas {
		if data == nil || i >= len(paths) {
			continue
		}
		taskHash := &TaskHash{}
		if err := decodeHash(data, taskHash); err != nil {
			return nil, errors.WithMessagef(err, "decode task hash failed, workflowID: %s, path: %s", workflowID, paths[i])
		}
		statuses[paths[i]] = taskHash
	}
	return statuses, nil
}

func (s *TaskStorage) DeleteWorkflow(ctx context.Context, workflowID string, paths []string) error {
	keys := make([]string, 0, len(paths)+1)
	keys = append(keys, WorkflowKey(workflowID))
	for _, path := range paths {
		keys = append(keys, WorkflowTaskKey(workflowID, path))
	}
	if err := s.store.BulkDelete(ctx, keys); err != nil {
		return errors.WithMessagef(err, "BulkDelete failed, workflowID: %s", workflowID)
	}
	return nil
}

// DeleteByRealm 删除 realm 下面所有的工作流和任务记录, 返回被删除的工作流ID
func (s *TaskStorage) DeleteByRealm(ctx context.Context, realm string) ([]string, error) {
	value, err := json.Marshal(realm)
	if err != nil {
		return nil, err
	}
	keys, err := s.store.DeleteByField(ctx, "realm", value)
	if err != nil {
		return nil, errors.WithMessagef(err, "DeleteByField failed, realm: %s", realm)
	}
	workflowIDs := make([]string, 0)
	for _, key := range keys {
		if workflowID, ok := WorkflowIDFromKey(key); ok {
			workflowIDs = append(workflowIDs, workflowID)
		}
	}
	return workflowIDs, nil
}

func (s *TaskStorage) GetAllWorkflowsUids(ctx context.Context) ([]string, error) {
	return s.store.GetAllWorkflowsUids(ctx)
}

// Fetcher 给 Workflow.GetTask 使用
func (s *TaskStorage) Fetcher(workflowID string) TaskHashFetcher {
	return func(ctx context.Context, path string) (*TaskHash, error) {
		return s.GetTask(ctx, workflowID, path)
	}
}
