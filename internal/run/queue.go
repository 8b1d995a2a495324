package run

import "context"

// Handler 处理一条出队的运行 ID。返回错误表示本次处理失败,
// 由具体队列实现决定是否重新入队。
type Handler func(ctx context.Context, runID string) error

// Producer 负责把待执行的运行投递到队列。
type Producer interface {
	Publish(ctx context.Context, runID string) error
}

// Consumer 负责持续消费运行 ID 并交给处理函数。
// Consume 阻塞直到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Queue 同时具备生产与消费能力。
type Queue interface {
	Producer
	Consumer
	Close() error
}
