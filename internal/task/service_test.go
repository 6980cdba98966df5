package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/internal/executor"
)

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), nil, nil, nil)
	ctx := context.Background()

	cases := []SubmitRequest{
		{RequesterAgentID: "1", TargetAgentID: "2"},
		{TaskType: "gas_estimate", TargetAgentID: "2"},
		{TaskType: "gas_estimate", RequesterAgentID: "1"},
	}
	for _, req := range cases {
		if _, err := service.Submit(ctx, req); xerrors.CodeOf(err) != CodeTaskValidation {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestServiceSubmitIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, nil, nil)
	ctx := context.Background()

	req := SubmitRequest{
		ID:               "fixed-id",
		RequesterAgentID: "1",
		TargetAgentID:    "2",
		TaskType:         "wallet_check",
	}
	first, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same task, got %s and %s", first.ID, second.ID)
	}

	tasks, err := service.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

func TestServiceExecuteSyncRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runner := &fakeRunner{}
	listener := &recordingListener{}
	bus := event.NewBus()
	bus.SubscribeTask(listener)

	service := NewService(store, nil, runner, bus)

	if err := store.Create(ctx, &Task{ID: "t1", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "gas_estimate", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}

	result, proofHash, err := service.ExecuteSync(ctx, ExecuteRequest{TaskID: "t1", TaskType: "gas_estimate"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(proofHash) != 66 {
		t.Fatalf("unexpected proof hash %q", proofHash)
	}

	task, err := service.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusCompleted || task.ProofHash != proofHash {
		t.Fatalf("unexpected task state: %+v", task)
	}

	events := listener.snapshot()
	if len(events) != 1 || !events[0].Succeeded || events[0].AgentID != "2" {
		t.Fatalf("unexpected events: %+v", events)
	}

	// 无关联任务时仅执行，不产生事件。
	if _, _, err := service.ExecuteSync(ctx, ExecuteRequest{TaskType: "gas_estimate"}); err != nil {
		t.Fatalf("execute without task: %v", err)
	}
	if len(listener.snapshot()) != 1 {
		t.Fatalf("unexpected extra events")
	}
}

func TestServiceUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	listener := &recordingListener{}
	bus := event.NewBus()
	bus.SubscribeTask(listener)

	service := NewService(store, nil, nil, bus)

	if err := store.Create(ctx, &Task{ID: "t1", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "tx_trace", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := service.UpdateStatus(ctx, "t1", StatusProcessing, nil, ""); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error for non-terminal status, got %v", err)
	}

	updated, err := service.UpdateStatus(ctx, "t1", StatusFailed, executor.Result{"status": "failed", "error": "boom"}, "0x01")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusFailed || updated.LastError != "boom" {
		t.Fatalf("unexpected task: %+v", updated)
	}

	// 重复上报为幂等空操作，不再广播事件。
	again, err := service.UpdateStatus(ctx, "t1", StatusCompleted, executor.Result{"status": "completed"}, "0x02")
	if err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	if again.Status != StatusFailed {
		t.Fatalf("terminal status must not change, got %s", again.Status)
	}
	if len(listener.snapshot()) != 1 {
		t.Fatalf("expected a single event, got %d", len(listener.snapshot()))
	}

	if _, err := service.UpdateStatus(ctx, "missing", StatusCompleted, nil, ""); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentTerminalReportsPublishOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runner := &fakeRunner{}
	listener := &recordingListener{}
	bus := event.NewBus()
	bus.SubscribeTask(listener)

	service := NewService(store, nil, runner, bus)
	processor := NewProcessor(runner, store, nil, nil, WithEventBus(bus))

	if err := store.Create(ctx, &Task{ID: "t1", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "gas_estimate", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 上报接口、同步执行与队列处理器同时竞争同一个任务的终态，
	// 信誉只允许入账一次。
	const reporters = 12
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			switch n % 3 {
			case 0:
				if _, err := service.UpdateStatus(ctx, "t1", StatusCompleted, executor.Result{"status": "completed"}, "0x01"); err != nil {
					t.Errorf("update %d: %v", n, err)
				}
			case 1:
				if _, _, err := service.ExecuteSync(ctx, ExecuteRequest{TaskID: "t1", TaskType: "gas_estimate"}); err != nil {
					t.Errorf("execute %d: %v", n, err)
				}
			default:
				if err := processor.handle(ctx, "t1"); err != nil {
					t.Errorf("handle %d: %v", n, err)
				}
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if events := listener.snapshot(); len(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(events))
	}
	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !task.Terminal() {
		t.Fatalf("expected terminal task, got %s", task.Status)
	}
}
