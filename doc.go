// Package jobs 提供任务编排功能。
//
// 工作流是一棵命名任务树, 由注册过的生成器按 generatorData 确定性地生成, 任务树本身不落库。
// 每个任务路径 (例如 #.review) 一条 TaskHash 记录, 上下文通过重放前置任务的记录得到。
//
// 主要特性：
//   - 上下文代数：任务通过 set/merge/push/unset/apply 修改上下文, 修改跟着任务记录持久化
//   - 三种执行策略：当前调用里面同步执行, 持久化队列加消费者池, supervision/worker 分布式执行
//   - 顺序检查：前置任务状态不是 ok 或者执行时间倒退的时候拒绝执行, 不依赖锁
//   - 存储：内存、Redis、GORM (SQLite/MySQL/PostgreSQL)
//   - 并发安全：本地锁和分布式锁（Redis）保证同一个工作流同时只有一个驱动方
//   - 观测：slog 日志、Prometheus 指标、Redis 推送的界面通知
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/simple-jobs/workflow"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    // 1. 注册生成器
//	    generators := workflow.NewGeneratorRegistry()
//	    generators.RegisterTasks("approval", func() []*workflow.Task {
//	        return []*workflow.Task{
//	            workflow.NewTask("submit", func(ctx context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
//	                return nil, factory.UpdateContext(workflow.SetUpdater("status", "submitted"))
//	            }),
//	            workflow.NewTask("review", func(ctx context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
//	                status, _ := factory.Context().GetString("status")
//	                return map[string]any{"seen": status}, nil
//	            }).WithContextVar("review"),
//	        }
//	    })
//
//	    // 2. 选择执行策略, 创建 controller
//	    controller := workflow.NewController(workflow.NewSyncBackend(generators))
//
//	    // 3. 创建并执行工作流实例
//	    workflowID, _ := controller.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
//	        Name:        "采购审批",
//	        Generator:   "approval",
//	        BaseContext: map[string]any{"order_id": "ORDER-001"},
//	        IsRun:       true,
//	    })
//	    detail, _ := controller.DescribeWorkflow(ctx, workflowID)
//	    _ = detail
//	}
//
// 上下文组装：
//
// 执行 #.b 的时候, 从 baseContext 开始, 按顺序对每个前置根任务:
//   - 检查状态是 ok, 执行时间不早于上一个前置任务
//   - 有 contextVar 的时候把任务结果写到上下文的 contextVar 字段
//   - 重放任务记录上的 contextUpdaters
//
// 前置任务被重新执行之后, 后面的任务必须重新执行, 否则会得到 CANNOT_START_TASK。
//
// 更多示例请参考 examples/with-sqlite 和 examples/with-redis。
package jobs
