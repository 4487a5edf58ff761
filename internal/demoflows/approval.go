package demoflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blingmoon/simple-jobs/workflow"
	"github.com/pkg/errors"
)

const (
	ApprovalGenerator    = "approval"
	BatchGenerator       = "batch"
	PropagationGenerator = "propagation"
)

// ApprovalTasks 审批工作流: 提交 -> 审核 -> 批准
// 审核结果以 review 注入上下文, 金额小于 1000 的时候跳过批准
func ApprovalTasks() []*workflow.Task {
	return []*workflow.Task{
		workflow.NewTask("submit", func(ctx context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
			applicant, _ := factory.Context().GetString("applicant")
			if applicant == "" {
				return nil, errors.New("applicant is required")
			}
			if err := factory.UpdateContext(workflow.SetUpdater("status", "submitted")); err != nil {
				return nil, err
			}
			return map[string]any{"submit_time": time.Now().Format(time.RFC3339), "applicant": applicant}, nil
		}).WithDescription("提交申请"),

		workflow.NewTask("review", func(ctx context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
			taskContext := factory.Context()
			status, _ := taskContext.GetString("status")
			if status != "submitted" {
				return nil, workflow.FailWithBody(map[string]any{"message": "not submitted", "status": status})
			}
			if err := factory.UpdateContext(workflow.MergeUpdater("audit", map[string]any{"reviewer": "manager"})); err != nil {
				return nil, err
			}
			if err := factory.UpdateContext(workflow.SetUpdater("status", "reviewed")); err != nil {
				return nil, err
			}
			return map[string]any{"passed": true, "previous": argument}, nil
		}).WithDescription("审核").WithContextVar("review"),

		workflow.NewTask("approve", func(ctx context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
			passed, _ := factory.Context().GetBool("review", "passed")
			if !passed {
				return nil, errors.New("review not passed")
			}
			return map[string]any{"final_status": "approved"}, nil
		}).WithDescription("批准").WithCondition(func(taskContext *workflow.JSONContext) bool {
			amount, _ := taskContext.GetFloat64("amount")
			return amount >= 1000
		}),
	}
}

// BatchParams batch 生成器的参数
type BatchParams struct {
	Steps int `json:"steps"`
}

// BatchGeneratorFunc 按 generatorData 生成 steps 个累加任务, 放在一个分组下面展示
func BatchGeneratorFunc(_ context.Context, generatorData json.RawMessage) (*workflow.Workflow, error) {
	params := &BatchParams{Steps: 1}
	if len(generatorData) > 0 {
		if err := json.Unmarshal(generatorData, params); err != nil {
			return nil, errors.Wrap(err, "unmarshal batch params failed")
		}
	}
	if params.Steps <= 0 {
		return nil, errors.Errorf("steps must be positive, got %d", params.Steps)
	}
	tasks := make([]*workflow.Task, 0, params.Steps)
	for i := 0; i < params.Steps; i++ {
		tasks = append(tasks, workflow.NewTask(fmt.Sprintf("step%d", i+1), addOne))
	}
	return workflow.NewWorkflow(tasks...)
}

// addOne 参数加一, 同时把次数累加到上下文 counter
func addOne(_ context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
	value, _ := argument.(float64)
	counter, _ := factory.Context().GetInt64("counter")
	if err := factory.UpdateContext(workflow.SetUpdater("counter", counter+1)); err != nil {
		// worker 上不支持修改上下文
		if !errors.Is(err, workflow.ErrContextUpdateUnsupported) {
			return nil, err
		}
	}
	return value + 1, nil
}

// PropagationTasks 第二个任务修改上下文, 第三个任务读出来
func PropagationTasks() []*workflow.Task {
	return []*workflow.Task{
		workflow.NewTask("t1", func(ctx context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
			return "OK", nil
		}),
		workflow.NewTask("t2", func(ctx context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
			return nil, factory.UpdateContext(workflow.SetUpdater("x", "ok"))
		}),
		workflow.NewTask("t3", func(ctx context.Context, argument any, factory *workflow.TaskFactory) (any, error) {
			x, _ := factory.Context().GetString("x")
			return x, nil
		}),
	}
}

// Register 注册示例用到的全部生成器
func Register(generators *workflow.GeneratorRegistry) error {
	if err := generators.RegisterTasks(ApprovalGenerator, ApprovalTasks); err != nil {
		return errors.Wrap(err, "register approval generator failed")
	}
	if err := generators.Register(BatchGenerator, BatchGeneratorFunc); err != nil {
		return errors.Wrap(err, "register batch generator failed")
	}
	if err := generators.RegisterTasks(PropagationGenerator, PropagationTasks); err != nil {
		return errors.Wrap(err, "register propagation generator failed")
	}
	return nil
}
