package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/internal/executor"
)

type fakeRunner struct {
	processed atomic.Int32
	latency   time.Duration
	failTypes map[string]string
}

func (f *fakeRunner) Execute(ctx context.Context, taskType, input string) executor.Result {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
		}
	}
	f.processed.Add(1)
	if msg, ok := f.failTypes[taskType]; ok {
		return executor.Result{"status": "failed", "error": msg, "input": input}
	}
	return executor.Result{"status": "completed", "output": "ok", "input": input}
}

type recordingListener struct {
	mu     sync.Mutex
	events []event.TaskCompleted
}

func (l *recordingListener) OnTaskCompleted(_ context.Context, evt event.TaskCompleted) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *recordingListener) snapshot() []event.TaskCompleted {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.TaskCompleted(nil), l.events...)
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	runner := &fakeRunner{latency: 10 * time.Millisecond}

	service := NewService(store, queue, runner, nil)
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		req := SubmitRequest{
			RequesterAgentID: "1",
			TargetAgentID:    "2",
			TaskType:         "gas_estimate",
			Payload:          map[string]any{"input": fmt.Sprintf("job-%d", i)},
		}
		if _, err := service.Submit(ctx, req); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(runner.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", runner.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRecordsOutcomeAndPublishesEvent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runner := &fakeRunner{failTypes: map[string]string{"tx_trace": "Invalid transaction hash"}}
	listener := &recordingListener{}
	bus := event.NewBus()
	bus.SubscribeTask(listener)

	processor := NewProcessor(runner, store, nil, nil, WithEventBus(bus))

	tasks := []*Task{
		{ID: "ok", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "gas_estimate", Status: StatusPending},
		{ID: "bad", RequesterAgentID: "1", TargetAgentID: "3", TaskType: "tx_trace", Status: StatusPending},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	if err := processor.handle(ctx, "ok"); err != nil {
		t.Fatalf("handle ok: %v", err)
	}
	if err := processor.handle(ctx, "bad"); err != nil {
		t.Fatalf("handle bad: %v", err)
	}

	done, err := store.Get(ctx, "ok")
	if err != nil {
		t.Fatalf("get ok: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if !strings.HasPrefix(done.ProofHash, "0x") || len(done.ProofHash) != 66 {
		t.Fatalf("unexpected proof hash %q", done.ProofHash)
	}

	failed, err := store.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("get bad: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.LastError != "Invalid transaction hash" {
		t.Fatalf("unexpected last error %q", failed.LastError)
	}
	if !strings.HasPrefix(failed.ProofHash, "0x") {
		t.Fatalf("failed task should still carry a proof hash, got %q", failed.ProofHash)
	}

	events := listener.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	byTask := make(map[string]event.TaskCompleted, len(events))
	for _, evt := range events {
		byTask[evt.TaskID] = evt
	}
	if evt := byTask["ok"]; !evt.Succeeded || evt.AgentID != "2" {
		t.Fatalf("unexpected ok event: %+v", evt)
	}
	if evt := byTask["bad"]; evt.Succeeded || evt.AgentID != "3" {
		t.Fatalf("unexpected bad event: %+v", evt)
	}
}

func TestProcessorSkipsFinishedTasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runner := &fakeRunner{}

	processor := NewProcessor(runner, store, nil, nil)

	if err := store.Create(ctx, &Task{ID: "t1", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "block_info", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkCompleted(ctx, "t1", executor.Result{"status": "completed"}, "0x01"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle finished: %v", err)
	}
	if err := processor.handle(ctx, "missing"); err != nil {
		t.Fatalf("handle missing: %v", err)
	}
	if runner.processed.Load() != 0 {
		t.Fatalf("runner should not execute finished or missing tasks, ran %d", runner.processed.Load())
	}
}
