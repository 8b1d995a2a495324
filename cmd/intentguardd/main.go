package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"IntentGuard-Chain/internal/api"
	"IntentGuard-Chain/internal/chain"
	"IntentGuard-Chain/internal/chain/ethereum"
	"IntentGuard-Chain/internal/config"
	"IntentGuard-Chain/internal/defi"
	"IntentGuard-Chain/internal/observability/alerting"
	"IntentGuard-Chain/internal/planner"
	"IntentGuard-Chain/internal/planner/openai"
	"IntentGuard-Chain/internal/run"
	"IntentGuard-Chain/pkg/logger"
)

// main 是 IntentGuard 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("intentguardd 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context) error {
	configPath := os.Getenv("INTENTGUARD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "intentguard.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.Runtime.DataDir != "" {
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return err
		}
	}

	allow, err := defi.LoadAllowlist(cfg.Policy.AllowlistPath)
	if err != nil {
		return err
	}

	var chainClient chain.Client
	if len(cfg.Chain.Endpoints) > 0 {
		client, err := ethereum.NewClient(cfg.Chain.Endpoints)
		if err != nil {
			return err
		}
		chainClient = client
		defer chainClient.Close()
	} else {
		return errors.New("至少需要配置一条链的 RPC 端点")
	}

	store, err := createStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭运行队列失败: %v", err)
		}
	}()

	caps, err := createCapabilities(cfg)
	if err != nil {
		return err
	}

	service := run.NewService(store, queue, chainClient, allow, caps,
		run.WithRunLimits(cfg.Runtime.MaxAttempts, cfg.Runtime.MaxActions, cfg.Runtime.MaxCandidates))

	processor := run.NewProcessor(service, queue,
		run.WithWorkerCount(cfg.Runtime.Workers),
		run.WithAlertDispatcher(alerting.NewFanout()),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Run(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("运行处理器异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, service)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createStore(cfg *config.Config) (run.Store, error) {
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		return run.NewMemoryStore(), nil
	case "mysql":
		return run.NewMySQLStore(cfg.Storage.RunStore.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
}

func createQueue(cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return run.NewMemoryQueue(1024), nil
	case "redis":
		return run.NewRedisQueue(run.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Key:      cfg.Queue.Redis.Key,
		})
	case "rabbitmq":
		return run.NewRabbitMQQueue(run.RabbitMQQueueConfig{
			URL:   cfg.Queue.RabbitMQ.URL,
			Queue: cfg.Queue.RabbitMQ.Queue,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// createCapabilities 按配置装配规划、复核与修复能力。只有远端
// provider 才开放修复回路。
func createCapabilities(cfg *config.Config) (planner.Capabilities, error) {
	switch cfg.Planner.Provider {
	case "", "stub":
		stub := planner.NewStub()
		return planner.Capabilities{Planner: stub, Judge: stub, Repairer: stub}, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.Planner.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("INTENTGUARD_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return planner.Capabilities{}, errors.New("openai provider 需要配置 api_key")
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Planner.OpenAI.BaseURL,
			Model:   cfg.Planner.OpenAI.Model,
		})
		if err != nil {
			return planner.Capabilities{}, err
		}
		return planner.Capabilities{Planner: client, Judge: client, Repairer: client, Remote: true}, nil
	default:
		return planner.Capabilities{}, fmt.Errorf("未知的规划 provider: %s", cfg.Planner.Provider)
	}
}
