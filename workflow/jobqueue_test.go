package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

const testLeaseTTL = 100 * time.Millisecond

type testJobQueue struct {
	JobQueue
	// expire 让没有续期的租约过期
	expire func()
}

func jobQueues(t *testing.T) map[string]testJobQueue {
	mr, client := newTestRedis(t)
	return map[string]testJobQueue{
		"memory": {
			JobQueue: NewMemoryJobQueue(WithJobLeaseTTL(testLeaseTTL)),
			expire:   func() { time.Sleep(testLeaseTTL + 50*time.Millisecond) },
		},
		"redis": {
			JobQueue: NewRedisJobQueue(client, "test", WithJobLeaseTTL(testLeaseTTL)),
			expire:   func() { mr.FastForward(testLeaseTTL + 50*time.Millisecond) },
		},
	}
}

func TestJobQueueReserveAck(t *testing.T) {
	for name, queue := range jobQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			firstCtx, crash := context.WithCancel(ctx)
			defer crash()
			first, err := queue.Consumer(firstCtx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "c1", first.ID())

			job, err := first.Reserve(ctx, 50*time.Millisecond)
			require.NoError(t, err)
			assert.Nil(t, job, "empty queue times out with nil")

			require.NoError(t, queue.Enqueue(ctx, &RunTaskJob{ID: "1", WorkflowID: "wf", Path: "#.a", Argument: float64(1)}))
			require.NoError(t, queue.Enqueue(ctx, &RunTaskJob{ID: "2", WorkflowID: "wf", Path: "#.b"}))

			job1, err := first.Reserve(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, job1)
			assert.Equal(t, "1", job1.ID)
			assert.Equal(t, float64(1), job1.Argument)
			require.NoError(t, first.Ack(ctx, job1))

			job2, err := first.Reserve(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, job2)
			assert.Equal(t, "2", job2.ID)

			// c1 的租约还在, 它正在处理的任务不能被回收
			recovered, err := queue.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, recovered)
			second, err := queue.Consumer(ctx, "c2")
			require.NoError(t, err)
			defer second.Close(ctx)
			stolen, err := second.Reserve(ctx, 50*time.Millisecond)
			require.NoError(t, err)
			assert.Nil(t, stolen)

			// c1 停止续期, 租约过期之后任务重新投递
			crash()
			queue.expire()
			recovered, err = queue.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, recovered)
			again, err := second.Reserve(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, again)
			assert.Equal(t, "2", again.ID)
			require.NoError(t, second.Ack(ctx, again))

			recovered, err = queue.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, recovered)
		})
	}
}

func TestJobQueueConsumerClose(t *testing.T) {
	for name, queue := range jobQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			consumer, err := queue.Consumer(ctx, "closing")
			require.NoError(t, err)
			require.NoError(t, queue.Enqueue(ctx, &RunTaskJob{ID: "3", WorkflowID: "wf", Path: "#.a"}))
			job, err := consumer.Reserve(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, job)

			// 关闭之后租约立刻释放, 没有 ack 的任务不用等过期
			require.NoError(t, consumer.Close(ctx))
			require.NoError(t, consumer.Close(ctx))
			recovered, err := queue.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, recovered)

			_, err = queue.Consumer(ctx, "")
			assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))
		})
	}
}

func TestJobQueueReserveCanceled(t *testing.T) {
	queue := NewMemoryJobQueue()
	ctx, cancel := context.WithCancel(context.Background())
	consumer, err := queue.Consumer(ctx, "c")
	require.NoError(t, err)
	cancel()
	_, err = consumer.Reserve(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJobQueueEvents(t *testing.T) {
	for name, queue := range jobQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sub, err := queue.SubscribeEvents(ctx)
			require.NoError(t, err)
			defer sub.Close()

			require.NoError(t, queue.PublishEvent(ctx, &JobEvent{
				JobID:     "1",
				Type:      JobEventFailed,
				TaskError: &TaskError{Type: TaskErrorExecutionFailed, Message: "boom"},
			}))

			select {
			case event := <-sub.Events():
				assert.Equal(t, "1", event.JobID)
				assert.Equal(t, JobEventFailed, event.Type)
				require.NotNil(t, event.TaskError)
				assert.Equal(t, TaskErrorExecutionFailed, event.TaskError.Type)
			case <-time.After(2 * time.Second):
				t.Fatal("event not received")
			}

			require.NoError(t, sub.Close())
			// 关闭之后发布不会阻塞
			require.NoError(t, queue.PublishEvent(ctx, &JobEvent{JobID: "2", Type: JobEventStart}))
		})
	}
}

func TestRedisJobQueueDropsBadPayload(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	queue := NewRedisJobQueue(client, "bad")
	require.NoError(t, client.LPush(ctx, "jobs_queue:bad:pending", "not json").Err())
	consumer, err := queue.Consumer(ctx, "c")
	require.NoError(t, err)
	defer consumer.Close(ctx)

	job, err := consumer.Reserve(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
	length, err := client.LLen(ctx, "jobs_queue:bad:processing:c").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	err = consumer.Ack(ctx, &RunTaskJob{ID: "never-reserved"})
	assert.Error(t, err)
}
