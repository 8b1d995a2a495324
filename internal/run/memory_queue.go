package run

import (
	"context"
	"sync"

	xerrors "IntentGuard-Chain/internal/errors"
)

// MemoryQueue 是进程内队列,基于带缓冲 channel,服务单测与单机部署。
type MemoryQueue struct {
	ch     chan string
	once   sync.Once
	closed chan struct{}
}

// NewMemoryQueue 创建内存队列。size 非正时使用默认容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{
		ch:     make(chan string, size),
		closed: make(chan struct{}),
	}
}

var _ Queue = (*MemoryQueue)(nil)

// Publish 投递一个运行 ID。队列已满时阻塞,直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	select {
	case <-q.closed:
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- runID:
		return nil
	}
}

// Consume 持续消费运行 ID,直到 ctx 取消或队列关闭。
// 处理失败不重新入队,失败状态由存储层记录。
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		case runID, ok := <-q.ch:
			if !ok {
				return nil
			}
			_ = handler(ctx, runID)
		}
	}
}

// Close 关闭队列,唤醒所有阻塞的生产者与消费者。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		close(q.closed)
	})
	return nil
}
