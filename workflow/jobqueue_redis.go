package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// redisJobQueue list 实现的可靠队列
// pending 左进右出, 取出的时候原子地移到消费者自己的 processing, ack 的时候从 processing 删除
// 每个消费者有一个租约 key, 只有租约过期的消费者的 processing 会被放回 pending
type redisJobQueue struct {
	redisClient   redis.UniversalClient
	name          string
	pendingKey    string
	consumersKey  string
	eventsChannel string
	options       *jobQueueOptions
}

func NewRedisJobQueue(redisClient redis.UniversalClient, name string, opts ...JobQueueOption) JobQueue {
	return &redisJobQueue{
		redisClient:   redisClient,
		name:          name,
		pendingKey:    fmt.Sprintf("jobs_queue:%s:pending", name),
		consumersKey:  fmt.Sprintf("jobs_queue:%s:consumers", name),
		eventsChannel: fmt.Sprintf("jobs_queue:%s:events", name),
		options:       newJobQueueOptions(opts),
	}
}

func (q *redisJobQueue) processingKey(consumerID string) string {
	return fmt.Sprintf("jobs_queue:%s:processing:%s", q.name, consumerID)
}

func (q *redisJobQueue) leaseKey(consumerID string) string {
	return fmt.Sprintf("jobs_queue:%s:lease:%s", q.name, consumerID)
}

func (q *redisJobQueue) Enqueue(ctx context.Context, job *RunTaskJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.WithMessagef(err, "marshal job failed, jobID: %s", job.ID)
	}
	if err := q.redisClient.LPush(ctx, q.pendingKey, payload).Err(); err != nil {
		return errors.WithMessagef(err, "LPush job failed, jobID: %s", job.ID)
	}
	return nil
}

func decodeJob(raw string) (*RunTaskJob, error) {
	job := &RunTaskJob{}
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		return nil, err
	}
	job.raw = raw
	return job, nil
}

func (q *redisJobQueue) Consumer(ctx context.Context, consumerID string) (JobConsumer, error) {
	if consumerID == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "consumerID is required")
	}
	consumer := &redisJobConsumer{
		queue:         q,
		id:            consumerID,
		processingKey: q.processingKey(consumerID),
		leaseKey:      q.leaseKey(consumerID),
		stop:          make(chan struct{}),
	}
	if err := consumer.renew(ctx); err != nil {
		return nil, err
	}
	go renewLease(ctx, q.options.leaseTTL, consumer.stop, consumer.renew)
	return consumer, nil
}

// recoverScript 租约还在的时候返回 -1, 否则把 processing 全部放回 pending 并且注销消费者
var recoverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
local count = 0
while redis.call('LMOVE', KEYS[2], KEYS[3], 'RIGHT', 'RIGHT') do
	count = count + 1
end
redis.call('SREM', KEYS[4], ARGV[1])
return count
`)

func (q *redisJobQueue) Recover(ctx context.Context) (int, error) {
	consumerIDs, err := q.redisClient.SMembers(ctx, q.consumersKey).Result()
	if err != nil {
		return 0, errors.WithMessage(err, "SMembers job consumers failed")
	}
	total := 0
	for _, consumerID := range consumerIDs {
		keys := []string{q.leaseKey(consumerID), q.processingKey(consumerID), q.pendingKey, q.consumersKey}
		count, err := recoverScript.Run(ctx, q.redisClient, keys, consumerID).Int()
		if err != nil {
			return total, errors.WithMessagef(err, "recover job consumer failed, consumerID: %s", consumerID)
		}
		if count > 0 {
			slog.WarnContext(ctx, fmt.Sprintf("recovered jobs of expired consumer, consumerID: %s, count: %d", consumerID, count))
			total += count
		}
	}
	return total, nil
}

type redisJobConsumer struct {
	queue         *redisJobQueue
	id            string
	processingKey string
	leaseKey      string
	stop          chan struct{}
	once          sync.Once
}

func (c *redisJobConsumer) ID() string {
	return c.id
}

// renew 续期租约, 同时保证自己在消费者集合里面
func (c *redisJobConsumer) renew(ctx context.Context) error {
	_, err := c.queue.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.leaseKey, c.id, c.queue.options.leaseTTL)
		pipe.SAdd(ctx, c.queue.consumersKey, c.id)
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "renew lease failed, consumerID: %s", c.id)
	}
	return nil
}

func (c *redisJobConsumer) Reserve(ctx context.Context, timeout time.Duration) (*RunTaskJob, error) {
	raw, err := c.queue.redisClient.BLMove(ctx, c.queue.pendingKey, c.processingKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "BLMove job failed")
	}
	job, err := decodeJob(raw)
	if err != nil {
		// 坏数据直接丢掉, 不然会一直卡在处理中
		slog.ErrorContext(ctx, fmt.Sprintf("decode job failed, dropped, payload: %s, err: %v", raw, err))
		c.queue.redisClient.LRem(ctx, c.processingKey, 1, raw)
		return nil, nil
	}
	return job, nil
}

func (c *redisJobConsumer) Ack(ctx context.Context, job *RunTaskJob) error {
	if job.raw == "" {
		return errors.Errorf("job %s was not reserved from this queue", job.ID)
	}
	if err := c.queue.redisClient.LRem(ctx, c.processingKey, 1, job.raw).Err(); err != nil {
		return errors.WithMessagef(err, "LRem job failed, jobID: %s", job.ID)
	}
	return nil
}

func (c *redisJobConsumer) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		err = c.queue.redisClient.Del(ctx, c.leaseKey).Err()
	})
	if err != nil {
		return errors.WithMessagef(err, "release lease failed, consumerID: %s", c.id)
	}
	return nil
}

func (q *redisJobQueue) PublishEvent(ctx context.Context, event *JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WithMessagef(err, "marshal job event failed, jobID: %s", event.JobID)
	}
	if err := q.redisClient.Publish(ctx, q.eventsChannel, payload).Err(); err != nil {
		return errors.WithMessagef(err, "Publish job event failed, jobID: %s", event.JobID)
	}
	return nil
}

func (q *redisJobQueue) SubscribeEvents(ctx context.Context) (JobEventSubscription, error) {
	pubsub := q.redisClient.Subscribe(ctx, q.eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.WithMessage(err, "subscribe job events failed")
	}
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan *JobEvent, 64)
	go func(messages <-chan *redis.Message) {
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event := &JobEvent{}
				if err := json.Unmarshal([]byte(msg.Payload), event); err != nil {
					slog.WarnContext(subCtx, fmt.Sprintf("decode job event failed, payload: %s, err: %v", msg.Payload, err))
					continue
				}
				select {
				case out <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}(pubsub.Channel())
	return &redisJobEventSubscription{pubsub: pubsub, cancel: cancel, events: out}, nil
}

type redisJobEventSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	events <-chan *JobEvent
	once   sync.Once
}

func (s *redisJobEventSubscription) Events() <-chan *JobEvent {
	return s.events
}

func (s *redisJobEventSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}
