package workflow

import (
	"context"
)

// QueueRef EnsureQueue 返回的队列句柄
type QueueRef struct {
	Name string `json:"name"`
	// URL 具体实现里面的真实地址, redis 里面是 list 的 key
	URL string `json:"url"`
}

// MessageHandler 返回错误只会记录日志, 消息不会重新投递
type MessageHandler func(ctx context.Context, body []byte) error

// MessageTransport 分布式后端使用的单向消息队列
type MessageTransport interface {
	/**
	 * @description: 创建队列, 已经存在的时候直接返回
	 * @param ctx context.Context
	 * @param name string 队列名
	 * @return QueueRef, error
	 */
	EnsureQueue(ctx context.Context, name string) (QueueRef, error)
	/**
	 * @description: 查询队列, 不存在的时候返回 ErrQueueNotFound
	 */
	GetQueue(ctx context.Context, name string) (QueueRef, error)
	Send(ctx context.Context, ref QueueRef, body []byte) error
	/**
	 * @description: 长轮询消费队列, 阻塞到 ctx 结束
	 * @param ctx context.Context
	 * @param ref QueueRef
	 * @param handler MessageHandler 同一个队列的消息按顺序回调
	 * @return error ctx 结束的时候返回 nil
	 */
	Consume(ctx context.Context, ref QueueRef, handler MessageHandler) error
}
