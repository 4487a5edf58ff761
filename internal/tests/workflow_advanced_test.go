package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blingmoon/simple-jobs/internal/demoflows"
	"github.com/blingmoon/simple-jobs/workflow"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisQueueController 共享同一个 redis 的驱动方, 各自带消费者
func newRedisQueueController(ctx context.Context, t *testing.T, client *redis.Client, opts ...workflow.ControllerOption) *workflow.Controller {
	t.Helper()
	backend := workflow.NewQueueBackend(workflow.NewRedisHashStorage(client), workflow.NewRedisJobQueue(client, "advanced"), newGenerators(t),
		workflow.WithPollTimeout(50*time.Millisecond))
	require.NoError(t, backend.Start(ctx, 1))
	return workflow.NewController(backend, opts...)
}

// TestResumeAfterUpdate 第一次因为缺少参数失败, 修改基础上下文之后继续执行
func TestResumeAfterUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller := newRedisQueueController(ctx, t, newRedisClient(t))

	workflowID, err := controller.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
		Name:        "报销",
		Generator:   demoflows.ApprovalGenerator,
		BaseContext: map[string]any{"amount": 2000},
		IsRun:       true,
	})
	require.Error(t, err)

	require.NoError(t, controller.UpdateWorkflow(ctx, workflowID, workflow.SetUpdater("base_context.applicant", "carol")))
	// 生成器不能被删除
	err = controller.UpdateWorkflow(ctx, workflowID, workflow.UnsetUpdater("generator"))
	assert.True(t, errors.Is(err, workflow.ErrWorkflowParamInvalid))

	require.NoError(t, controller.ResumeWorkflow(ctx, workflowID))
	detail, err := controller.DescribeWorkflow(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowStatusDone, detail.Workflow.Status)
	assert.Equal(t, "carol", detail.Workflow.BaseContext["applicant"])
	assert.Equal(t, map[string]any{"final_status": "approved"}, detail.Statuses["#.approve"].Body)
}

// TestStaleRerun 前置任务重新执行之后, 后面的任务需要按顺序重新执行
func TestStaleRerun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller := newRedisQueueController(ctx, t, newRedisClient(t))

	workflowID, err := controller.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
		Name:          "批量任务",
		Generator:     demoflows.BatchGenerator,
		GeneratorData: []byte(`{"steps":3}`),
		IsRun:         true,
		Argument:      0,
	})
	require.NoError(t, err)

	// 保证执行时间严格变大
	time.Sleep(5 * time.Millisecond)
	_, err = controller.ExecuteOneTask(ctx, workflowID, "#.step1", 100)
	require.NoError(t, err)

	_, err = controller.ExecuteOneTask(ctx, workflowID, "#.step3", nil)
	assert.True(t, errors.Is(err, workflow.ErrCannotStartTask))
	assert.False(t, workflow.IsSeriousError(err))

	step2, err := controller.ExecuteOneTask(ctx, workflowID, "#.step2", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(102), step2.Body)
	step3, err := controller.ExecuteOneTask(ctx, workflowID, "#.step3", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(103), step3.Body)
}

// TestSetContextUpdatersWithoutRerun 修改已经执行过的任务对上下文的修改, 不重新执行它
func TestSetContextUpdatersWithoutRerun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller := newRedisQueueController(ctx, t, newRedisClient(t))

	workflowID, err := controller.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
		Name:      "传播",
		Generator: demoflows.PropagationGenerator,
	})
	require.NoError(t, err)
	for _, path := range []string{"#.t1", "#.t2"} {
		_, err := controller.ExecuteOneTask(ctx, workflowID, path, nil)
		require.NoError(t, err, path)
	}
	require.NoError(t, controller.SetContextUpdaters(ctx, workflowID, "#.t2", []workflow.ContextUpdater{
		workflow.SetUpdater("x", "patched"),
	}))
	t3, err := controller.ExecuteOneTask(ctx, workflowID, "#.t3", nil)
	require.NoError(t, err)
	assert.Equal(t, "patched", t3.Body)
}

// TestConcurrentDrivers 两个进程同时驱动同一个工作流, 只有一个能拿到锁
func TestConcurrentDrivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newRedisClient(t)
	lock := workflow.NewRedisWorkflowLock(client)
	first := newRedisQueueController(ctx, t, client, workflow.WithWorkflowLock(lock, time.Minute))
	second := newRedisQueueController(ctx, t, client, workflow.WithWorkflowLock(lock, time.Minute))

	workflowID, err := first.CreateWorkflowInstance(ctx, &workflow.CreateWorkflowInstanceReq{
		Name:          "批量任务",
		Generator:     demoflows.BatchGenerator,
		GeneratorData: []byte(`{"steps":5}`),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, controller := range []*workflow.Controller{first, second} {
		i, controller := i, controller
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = controller.ExecuteAllTasks(ctx, workflowID, 0)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, workflow.ErrLockFailed), "unexpected error: %v", err)
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	detail, err := second.DescribeWorkflow(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowStatusDone, detail.Workflow.Status)
	assert.Equal(t, float64(5), detail.Statuses["#.step5"].Body)
}

// TestWorkflowAlreadyInitialized 同一个工作流ID不能初始化两次
func TestWorkflowAlreadyInitialized(t *testing.T) {
	ctx := context.Background()
	backend := workflow.NewSyncBackend(newGenerators(t))
	params := &workflow.InitializeWorkflowParams{WorkflowID: "fixed", Generator: demoflows.PropagationGenerator}
	_, err := backend.InitializeWorkflow(ctx, params)
	require.NoError(t, err)
	_, err = backend.InitializeWorkflow(ctx, params)
	assert.True(t, errors.Is(err, workflow.ErrWorkflowAlreadyInitialized))
}
