package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultNotifierBuffer = 256

// RedisNotifier 通过 redis pub/sub 推送通知
// 通知先进有界缓冲区, 由后台协程发布, 缓冲区满了直接丢弃
type RedisNotifier struct {
	redisClient redis.UniversalClient
	channel     string
	buffer      chan *Notification
	dropped     atomic.Int64

	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NotificationChannel 订阅方使用的频道名
func NotificationChannel(prefix string) string {
	return prefix + ":notifications"
}

func NewRedisNotifier(redisClient redis.UniversalClient, prefix string, bufferSize int) *RedisNotifier {
	if bufferSize <= 0 {
		bufferSize = defaultNotifierBuffer
	}
	n := &RedisNotifier{
		redisClient: redisClient,
		channel:     NotificationChannel(prefix),
		buffer:      make(chan *Notification, bufferSize),
		done:        make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *RedisNotifier) loop() {
	defer close(n.done)
	for notification := range n.buffer {
		payload, err := json.Marshal(notification)
		if err != nil {
			slog.Warn(fmt.Sprintf("marshal notification failed, workflowID: %s, err: %v", notification.WorkflowID, err))
			continue
		}
		if err := n.redisClient.Publish(context.Background(), n.channel, payload).Err(); err != nil {
			slog.Warn(fmt.Sprintf("publish notification failed, workflowID: %s, err: %v", notification.WorkflowID, err))
		}
	}
}

func (n *RedisNotifier) push(ctx context.Context, notification *Notification) {
	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.buffer <- notification:
	default:
		n.dropped.Add(1)
		slog.DebugContext(ctx, fmt.Sprintf("notification buffer full, dropped, workflowID: %s, type: %s", notification.WorkflowID, notification.Type))
	}
}

func (n *RedisNotifier) WorkflowDescription(ctx context.Context, workflowID string, name string, tasks []*TaskDescription) {
	n.push(ctx, &Notification{Type: NotificationWorkflowDescription, WorkflowID: workflowID, Name: name, Tasks: tasks})
}

func (n *RedisNotifier) SetWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus) {
	n.push(ctx, &Notification{Type: NotificationSetWorkflowStatus, WorkflowID: workflowID, Status: status})
}

func (n *RedisNotifier) SetTasksStatuses(ctx context.Context, workflowID string, statuses map[string]TaskStatus) {
	n.push(ctx, &Notification{Type: NotificationSetTasksStatuses, WorkflowID: workflowID, Statuses: statuses})
}

// Dropped 因为缓冲区满被丢掉的通知数
func (n *RedisNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close 发完缓冲区里面剩下的通知之后返回
func (n *RedisNotifier) Close(ctx context.Context) error {
	n.closeMu.Lock()
	if !n.closed {
		n.closed = true
		close(n.buffer)
	}
	n.closeMu.Unlock()
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return errors.WithMessage(ctx.Err(), "close notifier timeout")
	}
}
