package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 IntentGuard 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	Chain   ChainConfig   `json:"chain"`
	Planner PlannerConfig `json:"planner"`
	Policy  PolicyConfig  `json:"policy"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述运行存储后端的连接信息。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 默认提供内存实现，生产环境切换到 MySQL。
type RunStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述运行队列的后端选择及其连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列所需的连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 队列所需的连接信息。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// ChainConfig 包含访问各链节点所需的 RPC 地址，键为链 ID。
type ChainConfig struct {
	Endpoints map[string]string `json:"endpoints"`
}

// PlannerConfig 用于配置规划阶段的推理调用方式。
type PlannerConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述通过 OpenAI 兼容接口完成推理时所需的信息。
type OpenAIConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

// PolicyConfig 指向策略引擎使用的 DeFi 白名单定义文件。
type PolicyConfig struct {
	AllowlistPath string `json:"allowlist_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir       string `json:"data_dir"`
	MaxAttempts   int    `json:"max_attempts"`
	MaxActions    int    `json:"max_actions"`
	MaxCandidates int    `json:"max_candidates"`
	Workers       int    `json:"workers"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.Queue.Redis.Address == "" {
		c.Queue.Redis.Address = "127.0.0.1:6379"
	}

	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "intentguard:runs"
	}

	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "intentguard.runs"
	}

	if c.Planner.Provider == "" {
		c.Planner.Provider = "stub"
	}

	if c.Planner.OpenAI.BaseURL == "" {
		c.Planner.OpenAI.BaseURL = "https://api.openai.com/v1"
	}

	if c.Planner.OpenAI.Model == "" {
		c.Planner.OpenAI.Model = "gpt-4o-mini"
	}

	if c.Policy.AllowlistPath != "" && !filepath.IsAbs(c.Policy.AllowlistPath) {
		c.Policy.AllowlistPath = filepath.Join(baseDir, c.Policy.AllowlistPath)
	}

	if c.Runtime.MaxAttempts <= 0 {
		c.Runtime.MaxAttempts = 2
	}

	if c.Runtime.MaxActions <= 0 {
		c.Runtime.MaxActions = 3
	}

	if c.Runtime.MaxCandidates <= 0 {
		c.Runtime.MaxCandidates = 3
	}

	if c.Runtime.Workers <= 0 {
		c.Runtime.Workers = 4
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
