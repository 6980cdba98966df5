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

	"github.com/diero-hl/agentnet/internal/agent"
	"github.com/diero-hl/agentnet/internal/api"
	"github.com/diero-hl/agentnet/internal/chain"
	"github.com/diero-hl/agentnet/internal/config"
	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/internal/executor"
	"github.com/diero-hl/agentnet/internal/observability/alerting"
	"github.com/diero-hl/agentnet/internal/payment"
	"github.com/diero-hl/agentnet/internal/permit"
	"github.com/diero-hl/agentnet/internal/reputation"
	"github.com/diero-hl/agentnet/internal/storage/mysql"
	"github.com/diero-hl/agentnet/internal/task"
	"github.com/diero-hl/agentnet/pkg/logger"
)

// main 是 agentnet 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentnetd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTNET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentnet.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	taskQueue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", "error", err)
		}
	}()

	registry, err := chain.NewRegistry(ctx, chain.RegistryConfig{
		ConfigPath:   cfg.Chain.ConfigPath,
		DefaultChain: cfg.Chain.DefaultChain,
		RPCURL:       cfg.Chain.RPCURL,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	chainClient, err := registry.DefaultClient()
	if err != nil {
		return err
	}
	chainDef, err := registry.DefaultDefinition()
	if err != nil {
		return err
	}

	var cipher *agent.Cipher
	if secret := strings.TrimSpace(os.Getenv(cfg.Custody.SecretEnv)); secret != "" {
		cipher, err = agent.NewCipher(secret)
		if err != nil {
			return err
		}
	} else {
		logger.L().Warn("未配置托管加密密钥，私钥托管功能不可用",
			"env", cfg.Custody.SecretEnv)
	}

	bus := event.NewBus()
	reputationSvc := reputation.NewService(stores.reputation)
	bus.SubscribeTask(reputationSvc)
	bus.SubscribePayment(reputationSvc)

	agentSvc := agent.NewService(stores.agents, cipher)
	runner := executor.New(chainClient, chainDef)
	taskSvc := task.NewService(stores.tasks, taskQueue, runner, bus)

	verifier := permit.NewVerifier(chainClient, chainDef, agentSvc, stores.payments)

	paymentOpts := make([]payment.Option, 0, 1)
	if dispatcher := buildAlerts(cfg.Alerting); dispatcher != nil {
		paymentOpts = append(paymentOpts, payment.WithAlerts(dispatcher))
	}
	paymentSvc := payment.NewService(stores.payments, verifier, bus, paymentOpts...)

	processor := task.NewProcessor(runner, stores.tasks, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithEventBus(bus),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, agentSvc, taskSvc, paymentSvc, reputationSvc)
	return server.Start(ctx)
}

// storeSet 聚合四类存储，MySQL 模式下共享同一个连接池。
type storeSet struct {
	tasks      task.Store
	agents     agent.Store
	payments   payment.Store
	reputation reputation.Store
	closers    []func() error
}

func (s *storeSet) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.L().Warn("关闭存储失败", "error", err)
		}
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*storeSet, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return &storeSet{
			tasks:      task.NewMemoryStore(),
			agents:     agent.NewMemoryStore(),
			payments:   payment.NewMemoryStore(),
			reputation: reputation.NewMemoryStore(),
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetimeDuration(),
		})
		if err != nil {
			return nil, err
		}

		taskStore, err := task.NewMySQLStoreFromDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		agentStore, err := agent.NewMySQLStoreFromDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		paymentStore, err := payment.NewMySQLStoreFromDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		reputationStore, err := reputation.NewMySQLStoreFromDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}

		return &storeSet{
			tasks:      taskStore,
			agents:     agentStore,
			payments:   paymentStore,
			reputation: reputationStore,
			closers:    []func() error{db.Close},
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// buildAlerts 根据配置组装告警分发器。未配置任何渠道时返回 nil。
func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	if !cfg.Enabled() {
		return nil
	}
	notifiers := make([]alerting.Notifier, 0, 2)
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhook{URL: cfg.SlackWebhookURL},
			ChannelID: cfg.SlackChannel,
		})
	}
	if cfg.DingTalkWebhookURL != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhook{URL: cfg.DingTalkWebhookURL},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func openQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.TaskQueue.Redis.Addr,
			Password: cfg.TaskQueue.Redis.Password,
			DB:       cfg.TaskQueue.Redis.DB,
			Queue:    cfg.TaskQueue.Redis.Queue,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:     cfg.TaskQueue.RabbitMQ.URL,
			Queue:   cfg.TaskQueue.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}
