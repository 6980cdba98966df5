package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 agentnetd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Chain     ChainConfig     `json:"chain"`
	Custody   CustodyConfig   `json:"custody"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务、支付、信誉数据的持久化后端。
type StorageConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
}

// TaskQueueConfig 描述任务队列的驱动和工作协程数量。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// ChainConfig 包含链定义文件路径以及默认链名称。
// 未提供定义文件时退化为单条 RPC 地址。
type ChainConfig struct {
	ConfigPath   string `json:"config_path"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// CustodyConfig 指定托管私钥加密密钥的来源。
// 密钥本身只通过环境变量传入，不落盘。
type CustodyConfig struct {
	SecretEnv string `json:"secret_env"`
}

// AlertingConfig 配置欺诈信号的外部通知渠道。
// 未配置任何 webhook 时告警只落审计日志。
type AlertingConfig struct {
	SlackWebhookURL    string `json:"slack_webhook_url"`
	SlackChannel       string `json:"slack_channel"`
	DingTalkWebhookURL string `json:"dingtalk_webhook_url"`
}

// Enabled 报告是否配置了至少一个通知渠道。
func (a AlertingConfig) Enabled() bool {
	return a.SlackWebhookURL != "" || a.DingTalkWebhookURL != ""
}

// LoggingConfig 控制结构化日志与审计日志的行为。
type LoggingConfig struct {
	Level       string             `json:"level"`
	Format      string             `json:"format"`
	OutputPaths []string           `json:"output_paths"`
	Audit       AuditLoggingConfig `json:"audit"`
}

// AuditLoggingConfig 描述审计日志文件及其轮转策略。
type AuditLoggingConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
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

// ConnMaxLifetimeDuration 解析连接最大存活时间，非法值回退为零值。
func (s StorageConfig) ConnMaxLifetimeDuration() time.Duration {
	if s.ConnMaxLifetime == "" {
		return 0
	}
	d, err := time.ParseDuration(s.ConnMaxLifetime)
	if err != nil {
		return 0
	}
	return d
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "agentnet:tasks"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "agentnet.tasks"
	}

	if c.Chain.ConfigPath != "" && !filepath.IsAbs(c.Chain.ConfigPath) {
		c.Chain.ConfigPath = filepath.Join(baseDir, c.Chain.ConfigPath)
	}

	if c.Custody.SecretEnv == "" {
		c.Custody.SecretEnv = "AGENTNET_CUSTODY_SECRET"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}
