package reputation

import (
	"context"
	"errors"
	"testing"

	"github.com/diero-hl/agentnet/internal/event"
)

func TestScoreStartsAtFifty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Ensure(ctx, "a1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rep, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rep.Score != "50.00" {
		t.Fatalf("expected starting score 50.00, got %s", rep.Score)
	}
	if rep.TotalEarned != "0.00000000" {
		t.Fatalf("expected zero earnings, got %s", rep.TotalEarned)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrReputationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTaskOutcomeAdjustsScore(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store)
	ctx := context.Background()

	service.OnTaskCompleted(ctx, event.TaskCompleted{TaskID: "t1", AgentID: "a1", Succeeded: true})
	service.OnTaskCompleted(ctx, event.TaskCompleted{TaskID: "t2", AgentID: "a1", Succeeded: true})
	service.OnTaskCompleted(ctx, event.TaskCompleted{TaskID: "t3", AgentID: "a1", Succeeded: false})

	rep, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rep.Score != "50.00" {
		t.Fatalf("expected 50 + 1 + 1 - 2 = 50.00, got %s", rep.Score)
	}
	if rep.TasksCompleted != 2 || rep.TasksFailed != 1 {
		t.Fatalf("unexpected counters: %+v", rep)
	}
}

func TestScoreClampedToBounds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// 连续失败不会降到 0 以下。
	for i := 0; i < 40; i++ {
		if err := store.ApplyTaskOutcome(ctx, "low", false); err != nil {
			t.Fatalf("apply failure: %v", err)
		}
	}
	low, _ := store.Get(ctx, "low")
	if low.Score != "0.00" {
		t.Fatalf("expected floor at 0.00, got %s", low.Score)
	}

	// 连续成功不会超过 100。
	for i := 0; i < 80; i++ {
		if err := store.ApplyTaskOutcome(ctx, "high", true); err != nil {
			t.Fatalf("apply success: %v", err)
		}
	}
	high, _ := store.Get(ctx, "high")
	if high.Score != "100.00" {
		t.Fatalf("expected cap at 100.00, got %s", high.Score)
	}
}

func TestEarningsAccumulateExactly(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store)
	ctx := context.Background()

	service.OnPaymentVerified(ctx, event.PaymentVerified{PaymentID: "p1", PayeeAgentID: "a1", Amount: "0.1"})
	service.OnPaymentVerified(ctx, event.PaymentVerified{PaymentID: "p2", PayeeAgentID: "a1", Amount: "0.2"})

	rep, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 0.1 + 0.2 必须精确等于 0.3，不允许浮点误差。
	if rep.TotalEarned != "0.30000000" {
		t.Fatalf("expected exact 0.30000000, got %s", rep.TotalEarned)
	}

	if err := store.AddEarnings(ctx, "a1", "-1"); err == nil {
		t.Fatalf("expected negative amount to be rejected")
	}
	if err := store.AddEarnings(ctx, "a1", "abc"); err == nil {
		t.Fatalf("expected invalid amount to be rejected")
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.ApplyTaskOutcome(ctx, "top", true); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if err := store.ApplyTaskOutcome(ctx, "mid", true); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := store.ApplyTaskOutcome(ctx, "bottom", false); err != nil {
		t.Fatalf("apply: %v", err)
	}

	board, err := service.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(board))
	}
	if board[0].AgentID != "top" || board[1].AgentID != "mid" || board[2].AgentID != "bottom" {
		t.Fatalf("unexpected order: %s %s %s", board[0].AgentID, board[1].AgentID, board[2].AgentID)
	}
}
