package run

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "IntentGuard-Chain/internal/errors"
	"IntentGuard-Chain/pkg/logger"
)

// RedisQueue 用 Redis List 做跨进程的运行队列:LPUSH 入队,
// BRPOP 出队。处理失败时把运行 ID 重新入队,等待下一轮消费。
type RedisQueue struct {
	client *redis.Client
	key    string
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// NewRedisQueue 连接 Redis 并校验可用性。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "intentguard:runs"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return &RedisQueue{client: client, key: key}, nil
}

var _ Queue = (*RedisQueue)(nil)

// Publish 把运行 ID 推入队列。
func (q *RedisQueue) Publish(ctx context.Context, runID string) error {
	if err := q.client.LPush(ctx, q.key, runID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递运行到 Redis 失败")
	}
	return nil
}

// Consume 阻塞式消费队列,直到 ctx 取消。
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		values, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.L().Warn("Redis 消费失败,稍后重试", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(values) < 2 {
			continue
		}
		runID := values[1]
		if err := handler(ctx, runID); err != nil {
			// 处理失败时重新入队,交给下一轮消费。
			if pushErr := q.client.LPush(ctx, q.key, runID).Err(); pushErr != nil {
				logger.L().Error("运行重新入队失败", "run_id", runID, "error", pushErr)
			}
		}
	}
}

// Close 断开 Redis 连接。
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
