package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTask(name string) *Task {
	return NewTask(name, func(context.Context, any, *TaskFactory) (any, error) { return nil, nil })
}

func int64Ptr(v int64) *int64 {
	return &v
}

// fetcherOf 内存里面的任务记录
func fetcherOf(hashes map[string]*TaskHash) TaskHashFetcher {
	return func(_ context.Context, path string) (*TaskHash, error) {
		return hashes[path], nil
	}
}

func okHash(executionTime int64, body any, updaters ...ContextUpdater) *TaskHash {
	return &TaskHash{Status: TaskStatusOk, Body: body, ExecutionTime: int64Ptr(executionTime), ContextUpdaters: updaters}
}

func TestNewWorkflowPaths(t *testing.T) {
	wf, err := NewWorkflow(
		noopTask("a"),
		NewGroupTask("g", noopTask("x"), NewGroupTask("y", noopTask("z"))),
		noopTask("b"),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"#.a", "#.g", "#.g.x", "#.g.y", "#.g.y.z", "#.b"}, wf.GetAllPaths())

	first, ok := wf.FirstPath()
	require.True(t, ok)
	assert.Equal(t, "#.a", first)

	describe := wf.Describe()
	require.Len(t, describe, 3)
	assert.Equal(t, "#.g.y.z", describe[1].Children[1].Children[0].Path)

	task, ok := wf.Lookup("#.g.x")
	require.True(t, ok)
	assert.Equal(t, "x", task.Name)
	_, ok = wf.Lookup("#.missing")
	assert.False(t, ok)
}

func TestNewWorkflowInvalid(t *testing.T) {
	_, err := NewWorkflow()
	assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))

	_, err = NewWorkflow(noopTask("a"), noopTask("a"))
	assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))

	_, err = NewWorkflow(noopTask("a.b"))
	assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))

	_, err = NewWorkflow(noopTask(""))
	assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))

	_, err = NewWorkflow(noopTask("a"), nil)
	assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))

	_, err = NewWorkflow(noopTask("a").WithContextVar("#bad"))
	assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))
}

func TestNextPath(t *testing.T) {
	wf, err := NewWorkflow(noopTask("a"), NewGroupTask("g", noopTask("x"), noopTask("y")), noopTask("b"))
	require.NoError(t, err)

	tests := []struct {
		path    string
		next    string
		hasNext bool
	}{
		{path: "#.a", next: "#.g", hasNext: true},
		{path: "#.g", next: "#.b", hasNext: true},
		{path: "#.g.x", next: "#.g.y", hasNext: true},
		// 最后一个子节点回到父节点的兄弟
		{path: "#.g.y", next: "#.b", hasNext: true},
		{path: "#.b", hasNext: false},
	}
	for _, tt := range tests {
		next, ok, err := wf.NextPath(tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.hasNext, ok, tt.path)
		assert.Equal(t, tt.next, next, tt.path)
	}

	_, _, err = wf.NextPath("#.missing")
	assert.True(t, errors.Is(err, ErrCannotFindTask))
}

func TestGetTaskContextAssembly(t *testing.T) {
	ctx := context.Background()
	wf, err := NewWorkflow(
		noopTask("a").WithContextVar("resultA"),
		noopTask("b"),
		noopTask("c"),
	)
	require.NoError(t, err)

	hashes := map[string]*TaskHash{
		"#.a": okHash(100, map[string]any{"v": float64(1)}, SetUpdater("fromA", true)),
		"#.b": okHash(200, "bodyB", PushUpdater("list", "b")),
		"#.c": {Status: TaskStatusInactive, ContextUpdaters: []ContextUpdater{SetUpdater("own", "c")}},
	}
	base := map[string]any{"base": "x", "list": []any{}}

	resolved, err := wf.GetTask(ctx, "#.c", base, fetcherOf(hashes), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"base":    "x",
		"resultA": map[string]any{"v": float64(1)},
		"fromA":   true,
		"list":    []any{"b"},
	}, resolved.Context)
	assert.Equal(t, "bodyB", resolved.PrevResult)
	assert.Equal(t, "c", resolved.ResultContext["own"])
	assert.NotContains(t, resolved.Context, "own")
	// base 不会被修改
	assert.Equal(t, []any{}, base["list"])

	// 同样的输入得到同样的结果
	again, err := wf.GetTask(ctx, "#.c", base, fetcherOf(hashes), nil)
	require.NoError(t, err)
	assert.Equal(t, resolved.Context, again.Context)

	first, err := wf.GetTask(ctx, "#.a", base, fetcherOf(hashes), nil)
	require.NoError(t, err)
	assert.Nil(t, first.PrevResult)
	assert.Equal(t, map[string]any{"base": "x", "list": []any{}}, first.Context)
}

func TestGetTaskErrors(t *testing.T) {
	ctx := context.Background()
	wf, err := NewWorkflow(noopTask("a"), NewGroupTask("g", noopTask("x")), noopTask("b"))
	require.NoError(t, err)

	assertTaskError := func(t *testing.T, err error, errType TaskErrorType) {
		t.Helper()
		taskErr, ok := AsTaskError(err)
		require.True(t, ok, "expected task error, got %v", err)
		assert.Equal(t, errType, taskErr.Type)
	}

	t.Run("前置任务没有成功", func(t *testing.T) {
		hashes := map[string]*TaskHash{
			"#.a": {Status: TaskStatusFailed},
			"#.g": okHash(1, nil),
			"#.b": {Status: TaskStatusInactive},
		}
		_, err := wf.GetTask(ctx, "#.b", nil, fetcherOf(hashes), nil)
		assertTaskError(t, err, TaskErrorCannotStartTask)
		assert.True(t, errors.Is(err, ErrCannotStartTask))
	})

	t.Run("前置任务重新执行之后", func(t *testing.T) {
		hashes := map[string]*TaskHash{
			"#.a": okHash(300, nil),
			"#.g": okHash(200, nil),
			"#.b": {Status: TaskStatusInactive},
		}
		_, err := wf.GetTask(ctx, "#.b", nil, fetcherOf(hashes), nil)
		assertTaskError(t, err, TaskErrorCannotStartTask)
	})

	t.Run("执行时间相同可以", func(t *testing.T) {
		hashes := map[string]*TaskHash{
			"#.a": okHash(200, nil),
			"#.g": okHash(200, nil),
			"#.b": {Status: TaskStatusInactive},
		}
		_, err := wf.GetTask(ctx, "#.b", nil, fetcherOf(hashes), nil)
		require.NoError(t, err)
	})

	t.Run("嵌套路径", func(t *testing.T) {
		hashes := map[string]*TaskHash{"#.a": okHash(1, nil)}
		_, err := wf.GetTask(ctx, "#.g.x", nil, fetcherOf(hashes), nil)
		assertTaskError(t, err, TaskErrorSchedulerError)
		assert.True(t, IsSeriousError(err))
	})

	t.Run("没有子节点的根下面的路径", func(t *testing.T) {
		_, err := wf.GetTask(ctx, "#.a.x", nil, fetcherOf(map[string]*TaskHash{}), nil)
		assertTaskError(t, err, TaskErrorCannotFindTask)
	})

	t.Run("不存在的路径", func(t *testing.T) {
		hashes := map[string]*TaskHash{"#.a": okHash(1, nil), "#.g": okHash(1, nil), "#.b": okHash(1, nil)}
		_, err := wf.GetTask(ctx, "#.missing", nil, fetcherOf(hashes), nil)
		assertTaskError(t, err, TaskErrorCannotFindTask)
	})

	t.Run("目标任务记录缺失", func(t *testing.T) {
		_, err := wf.GetTask(ctx, "#.a", nil, fetcherOf(map[string]*TaskHash{}), nil)
		assertTaskError(t, err, TaskErrorCannotFindTask)
	})

	t.Run("读取失败", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := wf.GetTask(ctx, "#.b", nil, func(context.Context, string) (*TaskHash, error) { return nil, boom }, nil)
		assert.True(t, errors.Is(err, boom))
		_, ok := AsTaskError(err)
		assert.False(t, ok)
	})
}

func TestGeneratorRegistry(t *testing.T) {
	ctx := context.Background()
	generators := NewGeneratorRegistry()
	require.NoError(t, generators.RegisterTasks("simple", func() []*Task {
		return []*Task{noopTask("a")}
	}))
	assert.True(t, errors.Is(generators.RegisterTasks("simple", nil), ErrGeneratorAlreadyRegistered))
	assert.True(t, errors.Is(generators.Register("", nil), ErrWorkflowParamInvalid))
	assert.Panics(t, func() {
		generators.MustRegister("simple", func(context.Context, json.RawMessage) (*Workflow, error) { return nil, nil })
	})
	require.NoError(t, generators.Register("nil", func(context.Context, json.RawMessage) (*Workflow, error) { return nil, nil }))

	wf, err := generators.Generate(ctx, "simple", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"#.a"}, wf.GetAllPaths())

	_, err = generators.Generate(ctx, "missing", nil)
	assert.True(t, errors.Is(err, ErrGeneratorNotFound))
	assert.True(t, IsSeriousError(err))

	_, err = generators.Generate(ctx, "nil", nil)
	assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))

	assert.Equal(t, []string{"nil", "simple"}, generators.Names())
}
