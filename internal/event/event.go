package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/diero-hl/agentnet/pkg/logger"
)

// TaskCompleted 在任务进入终态时发布。
type TaskCompleted struct {
	TaskID    string
	AgentID   string
	Succeeded bool
}

// PaymentVerified 在一笔支付的授权签名通过校验后发布。
type PaymentVerified struct {
	PaymentID    string
	PayeeAgentID string
	Amount       json.Number
}

// TaskListener 订阅任务终态事件。
type TaskListener interface {
	OnTaskCompleted(ctx context.Context, evt TaskCompleted)
}

// PaymentListener 订阅支付核验事件。
type PaymentListener interface {
	OnPaymentVerified(ctx context.Context, evt PaymentVerified)
}

// Bus 将事件同步广播给所有订阅者。订阅者不能阻塞，
// 广播过程中发生的 panic 会被捕获并记录，不影响其他订阅者。
type Bus struct {
	mu       sync.RWMutex
	tasks    []TaskListener
	payments []PaymentListener
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeTask 注册任务事件订阅者。
func (b *Bus) SubscribeTask(listener TaskListener) {
	if b == nil || listener == nil {
		return
	}
	b.mu.Lock()
	b.tasks = append(b.tasks, listener)
	b.mu.Unlock()
}

// SubscribePayment 注册支付事件订阅者。
func (b *Bus) SubscribePayment(listener PaymentListener) {
	if b == nil || listener == nil {
		return
	}
	b.mu.Lock()
	b.payments = append(b.payments, listener)
	b.mu.Unlock()
}

// PublishTaskCompleted 广播任务终态事件。
func (b *Bus) PublishTaskCompleted(ctx context.Context, evt TaskCompleted) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := append([]TaskListener(nil), b.tasks...)
	b.mu.RUnlock()
	for _, listener := range listeners {
		deliver(ctx, "task_completed", func() {
			listener.OnTaskCompleted(ctx, evt)
		})
	}
}

// PublishPaymentVerified 广播支付核验事件。
func (b *Bus) PublishPaymentVerified(ctx context.Context, evt PaymentVerified) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := append([]PaymentListener(nil), b.payments...)
	b.mu.RUnlock()
	for _, listener := range listeners {
		deliver(ctx, "payment_verified", func() {
			listener.OnPaymentVerified(ctx, evt)
		})
	}
}

func deliver(ctx context.Context, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().ErrorContext(ctx, "事件订阅者 panic",
				slog.String("event", kind),
				slog.Any("panic", r))
		}
	}()
	fn()
}
