package event

import (
	"context"
	"sync"
	"testing"
)

type countingListener struct {
	mu       sync.Mutex
	tasks    []TaskCompleted
	payments []PaymentVerified
}

func (l *countingListener) OnTaskCompleted(_ context.Context, evt TaskCompleted) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, evt)
}

func (l *countingListener) OnPaymentVerified(_ context.Context, evt PaymentVerified) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments = append(l.payments, evt)
}

type panicListener struct{}

func (panicListener) OnTaskCompleted(context.Context, TaskCompleted) {
	panic("listener failure")
}

func TestBusBroadcastsToAllSubscribers(t *testing.T) {
	bus := NewBus()
	first := &countingListener{}
	second := &countingListener{}
	bus.SubscribeTask(first)
	bus.SubscribeTask(second)
	bus.SubscribePayment(first)

	bus.PublishTaskCompleted(context.Background(), TaskCompleted{TaskID: "t1", AgentID: "a1", Succeeded: true})
	bus.PublishPaymentVerified(context.Background(), PaymentVerified{PaymentID: "p1", PayeeAgentID: "a1", Amount: "0.5"})

	if len(first.tasks) != 1 || len(second.tasks) != 1 {
		t.Fatalf("任务事件未广播到全部订阅者: %d/%d", len(first.tasks), len(second.tasks))
	}
	if len(first.payments) != 1 || first.payments[0].Amount != "0.5" {
		t.Fatalf("支付事件内容不符: %+v", first.payments)
	}
	if len(second.payments) != 0 {
		t.Fatalf("未订阅支付事件的监听器收到了事件")
	}
}

func TestBusSurvivesPanickingSubscriber(t *testing.T) {
	bus := NewBus()
	healthy := &countingListener{}
	bus.SubscribeTask(panicListener{})
	bus.SubscribeTask(healthy)

	bus.PublishTaskCompleted(context.Background(), TaskCompleted{TaskID: "t1", Succeeded: false})

	if len(healthy.tasks) != 1 {
		t.Fatalf("panic 订阅者影响了后续广播: %d", len(healthy.tasks))
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.SubscribeTask(&countingListener{})
	bus.PublishTaskCompleted(context.Background(), TaskCompleted{TaskID: "t1"})
	bus.PublishPaymentVerified(context.Background(), PaymentVerified{PaymentID: "p1"})
}
