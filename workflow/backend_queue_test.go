package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQueueBackend(t *testing.T, store HashStorage, queue JobQueue) *QueueBackend {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	backend := NewQueueBackend(store, queue, testGenerators(t), WithClock(stepClock()), WithPollTimeout(50*time.Millisecond))
	require.NoError(t, backend.Start(ctx, 2))
	return backend
}

func queueBackends(t *testing.T) map[string]*QueueBackend {
	_, client := newTestRedis(t)
	return map[string]*QueueBackend{
		"memory": startQueueBackend(t, NewMemoryHashStorage(), NewMemoryJobQueue()),
		"redis":  startQueueBackend(t, NewRedisHashStorage(client), NewRedisJobQueue(client, "backend")),
	}
}

func TestQueueBackendNotStarted(t *testing.T) {
	backend := NewQueueBackend(NewMemoryHashStorage(), NewMemoryJobQueue(), testGenerators(t))
	initWorkflow(t, backend, "wf", "counter")

	_, err := backend.ExecuteOneTask(context.Background(), "wf", "#.a", nil)
	assert.True(t, errors.Is(err, ErrBackendNotStarted))
	assert.Equal(t, TaskStatusInactive, taskStatus(t, backend, "wf", "#.a").Status)
}

func TestQueueBackendContextPropagation(t *testing.T) {
	for name, backend := range queueBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			initWorkflow(t, backend, "wf", "linear")

			for _, path := range []string{"#.t1", "#.t2", "#.t3"} {
				_, err := runTask(ctx, backend, "wf", path, nil)
				require.NoError(t, err, path)
			}
			t3 := taskStatus(t, backend, "wf", "#.t3")
			assert.Equal(t, TaskStatusOk, t3.Status)
			assert.Equal(t, "ok", t3.Context["x"])
			assert.Equal(t, "ok", t3.Body)
		})
	}
}

func TestQueueBackendExecutionFailed(t *testing.T) {
	for name, backend := range queueBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			initWorkflow(t, backend, "wf", "failing")

			_, err := runTask(ctx, backend, "wf", "#.ok", 1)
			require.NoError(t, err)
			_, err = runTask(ctx, backend, "wf", "#.boom", nil)
			taskErr, ok := AsTaskError(err)
			require.True(t, ok, "expected task error, got %v", err)
			assert.Equal(t, TaskErrorExecutionFailed, taskErr.Type)
			require.NotNil(t, taskErr.Payload)
			assert.Equal(t, map[string]any{"code": "E_BOOM"}, taskErr.Payload.Body)
			assert.Equal(t, TaskStatusFailed, taskStatus(t, backend, "wf", "#.boom").Status)
		})
	}
}

func TestQueueBackendRestoreStatus(t *testing.T) {
	for name, backend := range queueBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			initWorkflow(t, backend, "wf", "counter")

			_, err := runTask(ctx, backend, "wf", "#.a", 0)
			require.NoError(t, err)

			// b 没有执行, c 不能开始, 状态回到入队之前
			_, err = runTask(ctx, backend, "wf", "#.c", nil)
			taskErr, ok := AsTaskError(err)
			require.True(t, ok, "expected task error, got %v", err)
			assert.Equal(t, TaskErrorCannotStartTask, taskErr.Type)
			c := taskStatus(t, backend, "wf", "#.c")
			assert.Equal(t, TaskStatusInactive, c.Status)
			assert.Nil(t, c.ExecutionTime)

			// 路径不在工作流里面的时候直接返回, 不入队
			_, err = backend.ExecuteOneTask(ctx, "wf", "#.missing", nil)
			assert.True(t, errors.Is(err, ErrCannotFindTask))
		})
	}
}

func TestQueueBackendSiblingConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, client := newTestRedis(t)
	store := NewRedisHashStorage(client)
	generators := testGenerators(t)

	// 入队进程只监听事件, 兄弟进程只消费
	producer := NewQueueBackend(store, NewRedisJobQueue(client, "shared"), generators, WithPollTimeout(50*time.Millisecond))
	require.NoError(t, producer.Listen(ctx))
	consumer := NewQueueBackend(store, NewRedisJobQueue(client, "shared"), generators, WithPollTimeout(50*time.Millisecond))
	go func() {
		_ = consumer.RunConsumers(ctx, 1)
	}()

	initWorkflow(t, producer, "wf", "counter")
	for i, path := range []string{"#.a", "#.b", "#.c"} {
		var argument any
		if i == 0 {
			argument = 1
		}
		_, err := runTask(ctx, producer, "wf", path, argument)
		require.NoError(t, err, path)
	}
	assert.Equal(t, float64(4), taskStatus(t, producer, "wf", "#.c").Body)
}

func TestQueueBackendRecoverExpiredConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryHashStorage()
	queue := NewMemoryJobQueue(WithJobLeaseTTL(100 * time.Millisecond))
	backend := NewQueueBackend(store, queue, testGenerators(t), WithPollTimeout(50*time.Millisecond), WithRecoverInterval(50*time.Millisecond))
	require.NoError(t, backend.Listen(ctx))
	initWorkflow(t, backend, "wf", "counter")

	watcher, err := backend.ExecuteOneTask(ctx, "wf", "#.a", 5)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusQueued, taskStatus(t, backend, "wf", "#.a").Status)

	// 上一个消费者取出之后崩溃, 没有 ack 也不再续期
	crashedCtx, crash := context.WithCancel(ctx)
	crashed, err := queue.Consumer(crashedCtx, "crashed")
	require.NoError(t, err)
	job, err := crashed.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	crash()

	go func() {
		_ = backend.RunConsumers(ctx, 1)
	}()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	taskHash, err := watcher.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, float64(6), taskHash.Body)
	assert.Equal(t, WatcherEventComplete, watcher.Event())
}

// TestQueueBackendSiblingKeepsRunningJob 后启动的兄弟进程不能回收正在执行的任务
func TestQueueBackendSiblingKeepsRunningJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, client := newTestRedis(t)
	store := NewRedisHashStorage(client)
	generators := testGenerators(t)
	var calls atomic.Int32
	release := make(chan struct{})
	require.NoError(t, generators.RegisterTasks("blocking", func() []*Task {
		return []*Task{
			NewTask("a", func(ctx context.Context, _ any, _ *TaskFactory) (any, error) {
				calls.Add(1)
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return "done", nil
			}),
		}
	}))
	newBackend := func() *QueueBackend {
		return NewQueueBackend(store, NewRedisJobQueue(client, "siblings"), generators,
			WithPollTimeout(50*time.Millisecond), WithRecoverInterval(20*time.Millisecond))
	}

	first := newBackend()
	require.NoError(t, first.Start(ctx, 1))
	initWorkflow(t, first, "wf", "blocking")
	watcher, err := first.ExecuteOneTask(ctx, "wf", "#.a", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	sibling := newBackend()
	go func() {
		_ = sibling.RunConsumers(ctx, 2)
	}()
	// 兄弟进程启动时和之后的定期回收都不能动 first 的任务
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	taskHash, err := watcher.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "done", taskHash.Body)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
