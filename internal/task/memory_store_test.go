package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diero-hl/agentnet/internal/executor"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "gas_estimate", Status: StatusPending},
		{ID: "t2", RequesterAgentID: "1", TargetAgentID: "3", TaskType: "wallet_check", Status: StatusPending},
		{ID: "t3", RequesterAgentID: "4", TargetAgentID: "2", TaskType: "block_info", Status: StatusPending},
	}

	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := store.MarkFailed(ctx, "t2", executor.Result{"status": "failed", "error": "boom"}, "0xdead", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.MarkCompleted(ctx, "t3", executor.Result{"status": "completed"}, "0xbeef"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byAgent, err := store.List(ctx, buildListOptions([]ListOption{WithAgent("2")}))
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("expected 2 tasks for agent 2, got %d", len(byAgent))
	}

	byType, err := store.List(ctx, buildListOptions([]ListOption{WithTaskType("wallet_check")}))
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 1 || byType[0].ID != "t2" {
		t.Fatalf("unexpected type list: %+v", byType)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "gas_estimate", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusProcessing {
		t.Fatalf("expected processing, got %s", claimed.Status)
	}

	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	if _, err := store.MarkCompleted(ctx, "t1", executor.Result{"status": "completed"}, "0xbeef"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("expected terminal on claimed finished task, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreTerminalWritesIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "block_info", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	transitioned, err := store.MarkCompleted(ctx, "t1", executor.Result{"status": "completed", "output": "first"}, "0x01")
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if !transitioned {
		t.Fatalf("first terminal write must report the transition")
	}

	// 后续的终态写入不得覆盖已有结果，也不再算作切换。
	if transitioned, err := store.MarkFailed(ctx, "t1", executor.Result{"status": "failed"}, "0x02", "late failure"); err != nil {
		t.Fatalf("mark failed after completed: %v", err)
	} else if transitioned {
		t.Fatalf("late failure must not report a transition")
	}
	if transitioned, err := store.MarkCompleted(ctx, "t1", executor.Result{"status": "completed", "output": "second"}, "0x03"); err != nil {
		t.Fatalf("second mark completed: %v", err)
	} else if transitioned {
		t.Fatalf("duplicate completion must not report a transition")
	}

	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.ProofHash != "0x01" {
		t.Fatalf("expected original proof hash, got %s", task.ProofHash)
	}
	if output, _ := task.Result["output"].(string); output != "first" {
		t.Fatalf("expected original result, got %q", output)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	tasks := []*Task{
		{ID: "a", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "gas_estimate", Status: StatusPending},
		{ID: "b", RequesterAgentID: "1", TargetAgentID: "2", TaskType: "gas_estimate", Status: StatusPending},
		{ID: "c", RequesterAgentID: "3", TargetAgentID: "2", TaskType: "tx_trace", Status: StatusPending},
	}

	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := store.MarkFailed(ctx, "b", executor.Result{"status": "failed", "error": "boom"}, "0xdead", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.MarkCompleted(ctx, "c", executor.Result{"status": "completed"}, "0xbeef"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.tasks["a"].UpdatedAt = base.Unix()
	store.tasks["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	byAgent, err := store.Stats(ctx, buildListOptions([]ListOption{WithAgent("1")}))
	if err != nil {
		t.Fatalf("stats by agent: %v", err)
	}
	if byAgent.Total != 2 || byAgent.Pending != 1 || byAgent.Failed != 1 {
		t.Fatalf("unexpected agent stats: %+v", byAgent)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}
