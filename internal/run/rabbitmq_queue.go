package run

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "IntentGuard-Chain/internal/errors"
	"IntentGuard-Chain/pkg/logger"
)

// RabbitMQQueue 用 RabbitMQ 做跨进程的运行队列。消息体就是运行 ID,
// 手动确认,处理失败时 Nack 且不重回队列,失败状态由存储层承载。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL   string
	Queue string
}

// NewRabbitMQQueue 建立连接并声明持久化队列。
func NewRabbitMQQueue(cfg RabbitMQQueueConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queueName := cfg.Queue
	if queueName == "" {
		queueName = "intentguard.runs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "打开 RabbitMQ 通道失败")
	}
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	if err := channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ 预取失败")
	}
	return &RabbitMQQueue{conn: conn, channel: channel, queue: queueName}, nil
}

var _ Queue = (*RabbitMQQueue)(nil)

// Publish 投递一个运行 ID,消息持久化。
func (q *RabbitMQQueue) Publish(ctx context.Context, runID string) error {
	err := q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		Body:         []byte(runID),
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递运行到 RabbitMQ 失败")
	}
	return nil
}

// Consume 持续消费队列,直到 ctx 取消或通道关闭。
func (q *RabbitMQQueue) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭")
			}
			runID := string(delivery.Body)
			if err := handler(ctx, runID); err != nil {
				// 失败结果已由存储层承载,不重回队列避免热循环。
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					logger.L().Error("RabbitMQ Nack 失败", "run_id", runID, "error", nackErr)
				}
				continue
			}
			if ackErr := delivery.Ack(false); ackErr != nil {
				logger.L().Error("RabbitMQ Ack 失败", "run_id", runID, "error", ackErr)
			}
		}
	}
}

// Close 关闭通道与连接。
func (q *RabbitMQQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
