package workflow

import "context"

// JobsService 给外部(http handler, 界面, 命令行)使用的接口, Controller 实现
type JobsService interface {
	/**
	 * @description: 创建工作流实例
	 * @param ctx context.Context
	 * @param req *CreateWorkflowInstanceReq
	 *				  req.Generator 为注册过的生成器名字
	 *				  req.IsRun 为true的时候创建之后立刻执行全部任务
	 * @return string 工作流实例ID, error
	 */
	CreateWorkflowInstance(ctx context.Context, req *CreateWorkflowInstanceReq) (string, error)
	/**
	 * @description: 执行一个任务并且等待结果
	 *				 一个工作流实例同一时间只能有一个驱动方, 拿不到锁返回 ErrLockFailed
	 *				 失败的时候调用错误回调, ephemeral 的工作流会被删除
	 * @param ctx context.Context
	 * @param workflowID string
	 * @param path string 任务路径
	 * @param argument any 为nil的时候使用上一个任务的结果
	 * @return *TaskHash, error
	 */
	ExecuteOneTask(ctx context.Context, workflowID string, path string, argument any) (*TaskHash, error)
	/**
	 * @description: 从第一个任务开始按顺序执行全部任务, 全部成功之后结束工作流
	 * @param ctx context.Context
	 * @param workflowID string
	 * @param argument any 只传给第一个任务
	 * @return error
	 */
	ExecuteAllTasks(ctx context.Context, workflowID string, argument any) error
	/**
	 * @description: 从第一个不是 ok 的任务继续执行, 用于进程重启之后恢复
	 */
	ResumeWorkflow(ctx context.Context, workflowID string) error
	/**
	 * @description: 结束工作流, ephemeral 的直接删除, 其它的标记为 done
	 */
	FinishWorkflow(ctx context.Context, workflowID string) error
	/**
	 * @description: 查询工作流实例列表, 需要配置 WorkflowIndex
	 * @param params *QueryWorkflowIndexParams 为nil的时候返回全部
	 */
	ListWorkflowInstances(ctx context.Context, params *QueryWorkflowIndexParams) ([]*WorkflowIndexPo, error)
	CountWorkflowInstances(ctx context.Context, params *QueryWorkflowIndexParams) (int64, error)
	DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowDetail, error)
	GetTasksStatuses(ctx context.Context, workflowID string, paths []string) (map[string]*TaskHash, error)
	GetAllWorkflowsUids(ctx context.Context) ([]string, error)
	/**
	 * @description: 用 updater 修改工作流记录(例如 base_context), 同步后端不支持
	 */
	UpdateWorkflow(ctx context.Context, workflowID string, updaters ...ContextUpdater) error
	/**
	 * @description: 直接改写某个任务记录里面的 updater, 不重新执行任务
	 *				 后续任务的上下文会按照新的 updater 重放
	 */
	SetContextUpdaters(ctx context.Context, workflowID string, path string, updaters []ContextUpdater) error
	DeleteWorkflow(ctx context.Context, workflowID string) error
	/**
	 * @description: 删除 realm 下面的全部工作流
	 * @return []string 被删除的工作流实例ID
	 */
	DeleteWorkflowsByRealm(ctx context.Context, realm string) ([]string, error)
}

var _ JobsService = (*Controller)(nil)
