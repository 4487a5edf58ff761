package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisNotifier(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	pubsub := client.Subscribe(ctx, NotificationChannel("jobs"))
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	notifier := NewRedisNotifier(client, "jobs", 16)
	notifier.WorkflowDescription(ctx, "wf", "approval", []*TaskDescription{{Name: "a", Path: "#.a"}})
	notifier.SetWorkflowStatus(ctx, "wf", WorkflowStatusDone)
	notifier.SetTasksStatuses(ctx, "wf", map[string]TaskStatus{"#.a": TaskStatusOk})

	closeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, notifier.Close(closeCtx))
	require.NoError(t, notifier.Close(closeCtx))
	// 关闭之后的通知直接丢弃
	notifier.SetWorkflowStatus(ctx, "wf", WorkflowStatusWorking)

	received := make([]*Notification, 0, 3)
	for len(received) < 3 {
		select {
		case msg := <-pubsub.Channel():
			notification := &Notification{}
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), notification))
			received = append(received, notification)
		case <-time.After(3 * time.Second):
			t.Fatalf("received %d notifications", len(received))
		}
	}
	assert.Equal(t, NotificationWorkflowDescription, received[0].Type)
	assert.Equal(t, "approval", received[0].Name)
	require.Len(t, received[0].Tasks, 1)
	assert.Equal(t, "#.a", received[0].Tasks[0].Path)
	assert.Equal(t, NotificationSetWorkflowStatus, received[1].Type)
	assert.Equal(t, WorkflowStatusDone, received[1].Status)
	assert.Equal(t, map[string]TaskStatus{"#.a": TaskStatusOk}, received[2].Statuses)
	assert.Equal(t, int64(0), notifier.Dropped())
}

func TestRedisNotifierDrop(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	notifier := NewRedisNotifier(client, "jobs", 1)
	// redis 不可用, 后台发布变慢, 缓冲区很快就满
	mr.Close()
	for i := 0; i < 100; i++ {
		notifier.SetWorkflowStatus(ctx, "wf", WorkflowStatusWorking)
	}
	assert.Greater(t, notifier.Dropped(), int64(0))

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	assert.NoError(t, notifier.Close(closeCtx))
}
