package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// stepClock 每次调用前进 1ms, 保证执行时间严格递增
func stepClock() func() time.Time {
	var ticks atomic.Int64
	start := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		return start.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}
}

func addOneTask(name string) *Task {
	return NewTask(name, func(_ context.Context, argument any, _ *TaskFactory) (any, error) {
		value, _ := argument.(float64)
		return value + 1, nil
	})
}

// testGenerators 测试共用的生成器
//
//	linear:      t1 返回 OK, t2 修改上下文 x, t3 读出 x
//	counter:     a, b, c 依次加一
//	conditional: first 注入 first, skipped 条件不满足, last 读 first
//	grouped:     a, g{x, y}, b
//	failing:     ok, boom 返回结构化错误, never
//	panicking:   panic
func testGenerators(t *testing.T) *GeneratorRegistry {
	t.Helper()
	generators := NewGeneratorRegistry()
	require.NoError(t, generators.RegisterTasks("linear", func() []*Task {
		return []*Task{
			NewTask("t1", func(context.Context, any, *TaskFactory) (any, error) { return "OK", nil }),
			NewTask("t2", func(_ context.Context, _ any, factory *TaskFactory) (any, error) {
				return nil, factory.UpdateContext(SetUpdater("x", "ok"))
			}),
			NewTask("t3", func(_ context.Context, _ any, factory *TaskFactory) (any, error) {
				x, _ := factory.Context().GetString("x")
				return x, nil
			}),
		}
	}))
	require.NoError(t, generators.RegisterTasks("counter", func() []*Task {
		return []*Task{addOneTask("a"), addOneTask("b"), addOneTask("c")}
	}))
	require.NoError(t, generators.RegisterTasks("conditional", func() []*Task {
		return []*Task{
			addOneTask("first").WithContextVar("first"),
			addOneTask("skipped").WithCondition(func(taskContext *JSONContext) bool {
				enabled, _ := taskContext.GetBool("enabled")
				return enabled
			}),
			NewTask("last", func(_ context.Context, argument any, factory *TaskFactory) (any, error) {
				first, _ := factory.Context().GetFloat64("first")
				return map[string]any{"first": first, "argument": argument}, nil
			}),
		}
	}))
	require.NoError(t, generators.RegisterTasks("grouped", func() []*Task {
		return []*Task{
			addOneTask("a"),
			NewGroupTask("g", addOneTask("x"), addOneTask("y")),
			addOneTask("b"),
		}
	}))
	require.NoError(t, generators.RegisterTasks("failing", func() []*Task {
		return []*Task{
			addOneTask("ok"),
			NewTask("boom", func(context.Context, any, *TaskFactory) (any, error) {
				return nil, FailWithBody(map[string]any{"code": "E_BOOM"})
			}),
			addOneTask("never"),
		}
	}))
	require.NoError(t, generators.RegisterTasks("panicking", func() []*Task {
		return []*Task{
			NewTask("panic", func(context.Context, any, *TaskFactory) (any, error) {
				panic("bad task")
			}),
		}
	}))
	require.NoError(t, generators.Register("sized", func(_ context.Context, generatorData json.RawMessage) (*Workflow, error) {
		var size int
		if err := json.Unmarshal(generatorData, &size); err != nil {
			return nil, errors.Wrap(err, "size")
		}
		tasks := make([]*Task, 0, size)
		for i := 0; i < size; i++ {
			tasks = append(tasks, addOneTask(string(rune('a'+i))))
		}
		return NewWorkflow(tasks...)
	}))
	return generators
}

func initWorkflow(t *testing.T, backend Backend, workflowID string, generator string) {
	t.Helper()
	_, err := backend.InitializeWorkflow(context.Background(), &InitializeWorkflowParams{
		WorkflowID: workflowID,
		Generator:  generator,
	})
	require.NoError(t, err)
}

// runTask 调度并等待终态
func runTask(ctx context.Context, backend Backend, workflowID string, path string, argument any) (*TaskHash, error) {
	watcher, err := backend.ExecuteOneTask(ctx, workflowID, path, argument)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return watcher.Wait(waitCtx)
}

func taskStatus(t *testing.T, backend Backend, workflowID string, path string) *TaskHash {
	t.Helper()
	hashes, err := backend.GetTasksStatuses(context.Background(), workflowID, []string{path})
	require.NoError(t, err)
	require.NotNil(t, hashes[path], "missing task hash %s", path)
	return hashes[path]
}
