package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/internal/executor"
	"github.com/diero-hl/agentnet/pkg/logger"
)

// Runner 定义了处理器所需的执行能力。失败以结果表达，不返回错误。
type Runner interface {
	Execute(ctx context.Context, taskType, input string) executor.Result
}

// Processor 负责从队列消费任务并交给执行器执行。
// 执行结束后写入结果与凭据哈希，并广播任务终态事件。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	bus         *event.Bus
	workerCount int
	logger      *slog.Logger
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithEventBus 配置终态事件总线。
func WithEventBus(bus *event.Bus) ProcessorOption {
	return func(p *Processor) {
		p.bus = bus
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskTerminal) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	result := p.runner.Execute(ctx, task.TaskType, task.Input())
	timestamp := p.now().UTC().Format(time.RFC3339)
	proofHash := executor.ProofHash(task.ID, result, timestamp)

	succeeded := result.Succeeded()
	var transitioned bool
	var storeErr error
	if succeeded {
		transitioned, storeErr = p.store.MarkCompleted(ctx, task.ID, result, proofHash)
	} else {
		transitioned, storeErr = p.store.MarkFailed(ctx, task.ID, result, proofHash, result.ErrorMessage())
	}
	if storeErr != nil {
		logger.L().Error("回写任务终态失败", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		if p.producer != nil {
			if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
				return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在回写失败后重投失败", task.ID))
			}
			logger.Audit().Warn("任务回写失败后重投",
				slog.String("task_id", task.ID),
				slog.String("task_type", task.TaskType),
				slog.String("error", storeErr.Error()),
			)
			return nil
		}
		return storeErr
	}

	if succeeded {
		logger.Audit().Info("任务执行成功",
			slog.String("task_id", task.ID),
			slog.String("task_type", task.TaskType),
			slog.String("target_agent_id", task.TargetAgentID),
			slog.String("proof_hash", proofHash),
		)
	} else {
		logger.Audit().Warn("任务执行失败",
			slog.String("task_id", task.ID),
			slog.String("task_type", task.TaskType),
			slog.String("target_agent_id", task.TargetAgentID),
			slog.String("error", result.ErrorMessage()),
		)
	}

	// 与同步上报并发时，只有赢得终态切换的一方发事件。
	if transitioned {
		p.bus.PublishTaskCompleted(ctx, event.TaskCompleted{
			TaskID:    task.ID,
			AgentID:   task.TargetAgentID,
			Succeeded: succeeded,
		})
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}
