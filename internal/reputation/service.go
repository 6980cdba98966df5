package reputation

import (
	"context"
	"log/slog"

	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/pkg/logger"
)

// Service 订阅任务与支付事件并维护信誉档案。
type Service struct {
	store Store
}

// NewService 构造信誉服务。
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Ensure 为新注册的代理建档。
func (s *Service) Ensure(ctx context.Context, agentID string) error {
	return s.store.Ensure(ctx, agentID)
}

// Get 返回指定代理的档案。
func (s *Service) Get(ctx context.Context, agentID string) (*Reputation, error) {
	return s.store.Get(ctx, agentID)
}

// List 返回全部档案，按分数倒序。
func (s *Service) List(ctx context.Context) ([]*Reputation, error) {
	return s.store.List(ctx, 0)
}

// Leaderboard 返回排行榜。
func (s *Service) Leaderboard(ctx context.Context) ([]*Reputation, error) {
	return s.store.List(ctx, LeaderboardSize)
}

// OnTaskCompleted 在任务进入终态时调整目标代理的分数。
func (s *Service) OnTaskCompleted(ctx context.Context, evt event.TaskCompleted) {
	if evt.AgentID == "" {
		return
	}
	if err := s.store.ApplyTaskOutcome(ctx, evt.AgentID, evt.Succeeded); err != nil {
		logger.L().Error("更新信誉分数失败",
			slog.Any("error", err),
			slog.String("agent_id", evt.AgentID),
			slog.String("task_id", evt.TaskID))
	}
}

// OnPaymentVerified 在支付核验通过后累加收款方的收入。
func (s *Service) OnPaymentVerified(ctx context.Context, evt event.PaymentVerified) {
	if evt.PayeeAgentID == "" || evt.Amount == "" {
		return
	}
	if err := s.store.AddEarnings(ctx, evt.PayeeAgentID, string(evt.Amount)); err != nil {
		logger.L().Error("累加代理收入失败",
			slog.Any("error", err),
			slog.String("agent_id", evt.PayeeAgentID),
			slog.String("payment_id", evt.PaymentID))
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

var (
	_ event.TaskListener    = (*Service)(nil)
	_ event.PaymentListener = (*Service)(nil)
)
