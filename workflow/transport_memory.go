package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memoryQueue struct {
	mu       sync.Mutex
	messages [][]byte
	notify   chan struct{}
}

// memoryMessageTransport 进程内的消息队列, 测试和单进程使用
type memoryMessageTransport struct {
	mu          sync.Mutex
	queues      map[string]*memoryQueue
	pollTimeout time.Duration
}

func NewMemoryMessageTransport() MessageTransport {
	return &memoryMessageTransport{
		queues:      make(map[string]*memoryQueue),
		pollTimeout: 200 * time.Millisecond,
	}
}

func (t *memoryMessageTransport) EnsureQueue(_ context.Context, name string) (QueueRef, error) {
	if name == "" {
		return QueueRef{}, errors.WithMessage(ErrWorkflowParamInvalid, "empty queue name")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = &memoryQueue{notify: make(chan struct{}, 1)}
	}
	return QueueRef{Name: name, URL: "memory://" + name}, nil
}

func (t *memoryMessageTransport) GetQueue(_ context.Context, name string) (QueueRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		return QueueRef{}, errors.WithMessagef(ErrQueueNotFound, "queue: %s", name)
	}
	return QueueRef{Name: name, URL: "memory://" + name}, nil
}

func (t *memoryMessageTransport) queue(ref QueueRef) (*memoryQueue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[ref.Name]
	if !ok {
		return nil, errors.WithMessagef(ErrQueueNotFound, "queue: %s", ref.Name)
	}
	return q, nil
}

func (t *memoryMessageTransport) Send(_ context.Context, ref QueueRef, body []byte) error {
	q, err := t.queue(ref)
	if err != nil {
		return err
	}
	msg := make([]byte, len(body))
	copy(msg, body)
	q.mu.Lock()
	q.messages = append(q.messages, msg)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *memoryQueue) pop() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	if len(q.messages) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return msg
}

func (t *memoryMessageTransport) Consume(ctx context.Context, ref QueueRef, handler MessageHandler) error {
	q, err := t.queue(ref)
	if err != nil {
		return err
	}
	for {
		if msg := q.pop(); msg != nil {
			if err := handler(ctx, msg); err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("handle message failed, queue: %s, err: %v", ref.Name, err))
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		case <-time.After(t.pollTimeout):
		}
	}
}
