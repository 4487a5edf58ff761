package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memoryJobQueue 进程内队列, 没有持久化能力, 测试和单进程使用
type memoryJobQueue struct {
	mu        sync.Mutex
	pending   []*RunTaskJob
	consumers map[string]*memoryConsumerState
	notify    chan struct{}
	options   *jobQueueOptions

	subMu       sync.RWMutex
	subscribers map[*memoryJobEventSubscription]struct{}
}

// memoryConsumerState 一个消费者的处理中任务和租约
type memoryConsumerState struct {
	processing []*RunTaskJob
	expireAt   time.Time
}

func NewMemoryJobQueue(opts ...JobQueueOption) JobQueue {
	return &memoryJobQueue{
		consumers:   make(map[string]*memoryConsumerState),
		notify:      make(chan struct{}, 1),
		options:     newJobQueueOptions(opts),
		subscribers: make(map[*memoryJobEventSubscription]struct{}),
	}
}

func (q *memoryJobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryJobQueue) Enqueue(_ context.Context, job *RunTaskJob) error {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *memoryJobQueue) Consumer(ctx context.Context, consumerID string) (JobConsumer, error) {
	if consumerID == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "consumerID is required")
	}
	consumer := &memoryJobConsumer{queue: q, id: consumerID, stop: make(chan struct{})}
	if err := consumer.renew(ctx); err != nil {
		return nil, err
	}
	go renewLease(ctx, q.options.leaseTTL, consumer.stop, consumer.renew)
	return consumer, nil
}

// state 调用方持有 q.mu, 被回收过的消费者重新登记
func (q *memoryJobQueue) state(consumerID string) *memoryConsumerState {
	state, ok := q.consumers[consumerID]
	if !ok {
		state = &memoryConsumerState{}
		q.consumers[consumerID] = state
	}
	return state
}

func (q *memoryJobQueue) pop(consumerID string) *RunTaskJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	state := q.state(consumerID)
	state.processing = append(state.processing, job)
	if len(q.pending) > 0 {
		// 还有任务, 唤醒下一个消费者
		q.signal()
	}
	return job
}

func (q *memoryJobQueue) Recover(_ context.Context) (int, error) {
	now := time.Now()
	count := 0
	q.mu.Lock()
	for consumerID, state := range q.consumers {
		if now.Before(state.expireAt) {
			continue
		}
		q.pending = append(q.pending, state.processing...)
		count += len(state.processing)
		delete(q.consumers, consumerID)
	}
	q.mu.Unlock()
	if count > 0 {
		q.signal()
	}
	return count, nil
}

type memoryJobConsumer struct {
	queue *memoryJobQueue
	id    string
	stop  chan struct{}
	once  sync.Once
}

func (c *memoryJobConsumer) ID() string {
	return c.id
}

func (c *memoryJobConsumer) renew(_ context.Context) error {
	c.queue.mu.Lock()
	defer c.queue.mu.Unlock()
	c.queue.state(c.id).expireAt = time.Now().Add(c.queue.options.leaseTTL)
	return nil
}

func (c *memoryJobConsumer) Reserve(ctx context.Context, timeout time.Duration) (*RunTaskJob, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if job := c.queue.pop(c.id); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-c.queue.notify:
		}
	}
}

func (c *memoryJobConsumer) Ack(_ context.Context, job *RunTaskJob) error {
	c.queue.mu.Lock()
	defer c.queue.mu.Unlock()
	state, ok := c.queue.consumers[c.id]
	if !ok {
		return errors.Errorf("job %s was not reserved by consumer %s", job.ID, c.id)
	}
	for i, processing := range state.processing {
		if processing.ID == job.ID {
			state.processing = append(state.processing[:i], state.processing[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("job %s was not reserved by consumer %s", job.ID, c.id)
}

func (c *memoryJobConsumer) Close(_ context.Context) error {
	c.once.Do(func() {
		close(c.stop)
		c.queue.mu.Lock()
		if state, ok := c.queue.consumers[c.id]; ok {
			state.expireAt = time.Time{}
		}
		c.queue.mu.Unlock()
	})
	return nil
}

func (q *memoryJobQueue) PublishEvent(ctx context.Context, event *JobEvent) error {
	q.subMu.RLock()
	defer q.subMu.RUnlock()
	for sub := range q.subscribers {
		select {
		case sub.events <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *memoryJobQueue) SubscribeEvents(_ context.Context) (JobEventSubscription, error) {
	sub := &memoryJobEventSubscription{queue: q, events: make(chan *JobEvent, 64), done: make(chan struct{})}
	q.subMu.Lock()
	q.subscribers[sub] = struct{}{}
	q.subMu.Unlock()
	return sub, nil
}

type memoryJobEventSubscription struct {
	queue  *memoryJobQueue
	events chan *JobEvent
	done   chan struct{}
	once   sync.Once
}

func (s *memoryJobEventSubscription) Events() <-chan *JobEvent {
	return s.events
}

func (s *memoryJobEventSubscription) Close() error {
	// 先关 done, 正在投递的 PublishEvent 不会卡住
	s.once.Do(func() {
		close(s.done)
		s.queue.subMu.Lock()
		delete(s.queue.subscribers, s)
		s.queue.subMu.Unlock()
	})
	return nil
}
