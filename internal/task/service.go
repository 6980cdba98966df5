package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/internal/executor"
	"github.com/diero-hl/agentnet/pkg/logger"
)

// SubmitRequest 描述一次任务委托。
type SubmitRequest struct {
	ID               string         `json:"id,omitempty"`
	RequesterAgentID string         `json:"requester_agent_id"`
	TargetAgentID    string         `json:"target_agent_id"`
	TaskType         string         `json:"task_type"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// ExecuteRequest 描述一次同步执行请求。TaskID 可选，
// 给定时执行结果会回写到对应任务并广播终态事件。
type ExecuteRequest struct {
	TaskID   string `json:"task_id,omitempty"`
	TaskType string `json:"task_type"`
	Input    string `json:"input,omitempty"`
}

// Service 负责任务的创建、查询与同步执行。
type Service struct {
	store    Store
	producer Producer
	runner   Runner
	bus      *event.Bus
	now      func() time.Time
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, runner Runner, bus *event.Bus) *Service {
	return &Service{store: store, producer: producer, runner: runner, bus: bus, now: time.Now}
}

// Submit 创建一个新的任务并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务类型不能为空")
	}
	if strings.TrimSpace(req.RequesterAgentID) == "" || strings.TrimSpace(req.TargetAgentID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "请求方与目标代理不能为空")
	}
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:               taskID,
		RequesterAgentID: strings.TrimSpace(req.RequesterAgentID),
		TargetAgentID:    strings.TrimSpace(req.TargetAgentID),
		TaskType:         strings.TrimSpace(req.TaskType),
		Payload:          clonePayload(req.Payload),
		Status:           StatusPending,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if s.producer != nil {
		if err := s.producer.Publish(ctx, taskID); err != nil {
			logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
			wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
			_, _ = s.store.MarkFailed(ctx, taskID, nil, "", wrapped.Error())
			return nil, wrapped
		}
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("task_type", task.TaskType),
		slog.String("requester_agent_id", task.RequesterAgentID),
		slog.String("target_agent_id", task.TargetAgentID),
	)
	return task, nil
}

// ExecuteSync 立即执行任务并返回结果与凭据哈希。
// 执行本身从不失败，失败语义在结果的 status 字段中表达。
func (s *Service) ExecuteSync(ctx context.Context, req ExecuteRequest) (executor.Result, string, error) {
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, "", xerrors.New(CodeTaskValidation, "任务类型不能为空")
	}
	if s.runner == nil {
		return nil, "", xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}

	result := s.runner.Execute(ctx, req.TaskType, req.Input)
	timestamp := s.now().UTC().Format(time.RFC3339)
	proofHash := executor.ProofHash(req.TaskID, result, timestamp)

	taskID := strings.TrimSpace(req.TaskID)
	if taskID != "" && s.store != nil {
		s.recordOutcome(ctx, taskID, result, proofHash)
	}
	return result, proofHash, nil
}

// recordOutcome 将同步执行的结果回写到任务记录。任务不存在或已完结时不动作。
// 只有真正赢得终态切换的写入才广播事件。
func (s *Service) recordOutcome(ctx context.Context, taskID string, result executor.Result, proofHash string) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		if !stdErrors.Is(err, ErrTaskNotFound) {
			logger.L().Warn("查询任务失败，跳过结果回写",
				slog.Any("error", err), slog.String("task_id", taskID))
		}
		return
	}

	var transitioned bool
	var storeErr error
	if result.Succeeded() {
		transitioned, storeErr = s.store.MarkCompleted(ctx, taskID, result, proofHash)
	} else {
		transitioned, storeErr = s.store.MarkFailed(ctx, taskID, result, proofHash, result.ErrorMessage())
	}
	if storeErr != nil {
		logger.L().Error("回写任务结果失败", slog.Any("error", storeErr), slog.String("task_id", taskID))
		return
	}
	if !transitioned {
		return
	}

	s.bus.PublishTaskCompleted(ctx, event.TaskCompleted{
		TaskID:    taskID,
		AgentID:   task.TargetAgentID,
		Succeeded: result.Succeeded(),
	})
}

// UpdateStatus 将任务直接置为指定终态，供目标代理上报执行结果。
// 重复上报为幂等空操作，不再广播事件。
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status, result executor.Result, proofHash string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if status != StatusCompleted && status != StatusFailed {
		return nil, xerrors.New(CodeTaskValidation, "状态只能更新为 completed 或 failed")
	}

	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var transitioned bool
	if status == StatusCompleted {
		transitioned, err = s.store.MarkCompleted(ctx, id, result, proofHash)
	} else {
		transitioned, err = s.store.MarkFailed(ctx, id, result, proofHash, result.ErrorMessage())
	}
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return s.store.Get(ctx, id)
	}

	s.bus.PublishTaskCompleted(ctx, event.TaskCompleted{
		TaskID:    id,
		AgentID:   task.TargetAgentID,
		Succeeded: status == StatusCompleted,
	})
	return s.store.Get(ctx, id)
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询任务状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
