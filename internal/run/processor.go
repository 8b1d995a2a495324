package run

import (
	"context"
	"sync"
	"time"

	xerrors "IntentGuard-Chain/internal/errors"
	"IntentGuard-Chain/internal/observability/alerting"
	"IntentGuard-Chain/pkg/logger"
)

// Processor 从队列消费运行 ID 并驱动服务执行,是后台执行面的入口。
// 认领冲突与终态都是良性信号,直接跳过,不触发告警。
type Processor struct {
	service     *Service
	consumer    Consumer
	workerCount int
	dispatcher  alerting.Dispatcher
}

// ProcessorOption 定义处理器的可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 指定并发工作协程数量。
func WithWorkerCount(count int) ProcessorOption {
	return func(p *Processor) {
		if count > 0 {
			p.workerCount = count
		}
	}
}

// WithAlertDispatcher 指定告警通道。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.dispatcher = dispatcher
	}
}

// NewProcessor 创建后台处理器。
func NewProcessor(service *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		consumer:    consumer,
		workerCount: 4,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run 启动工作协程并阻塞,直到 ctx 取消且全部协程退出。
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := p.consumer.Consume(ctx, p.handle); err != nil && ctx.Err() == nil {
				logger.L().Error("消费协程退出", "worker", worker, "error", err)
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// handle 处理一条出队的运行 ID。
func (p *Processor) handle(ctx context.Context, runID string) error {
	log := logger.WithRun(runID)
	log.Info("开始执行运行")
	err := p.service.Start(ctx, runID)
	if err == nil {
		log.Info("运行执行结束")
		return nil
	}
	switch {
	case IsRunError(err, CodeRunNotFound):
		log.Warn("运行不存在,丢弃消息")
		return nil
	case IsRunError(err, CodeRunConflict), IsRunError(err, CodeRunTerminal):
		// 已被其他工作协程认领或已收敛,属于良性竞态。
		log.Info("运行已被处理,跳过", "error", err)
		return nil
	}
	log.Error("运行执行失败", "error", err)
	p.emitAlert(ctx, runID, err)
	return err
}

func (p *Processor) emitAlert(ctx context.Context, runID string, cause error) {
	if p.dispatcher == nil {
		return
	}
	if !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		RunID:      runID,
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		OccurredAt: time.Now(),
	}
	if err := p.dispatcher.Notify(ctx, event); err != nil {
		logger.WithRun(runID).Warn("告警发送失败", "error", err)
	}
}
