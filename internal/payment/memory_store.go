package payment

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
)

// MemoryStore 以内存方式保存支付记录，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	claimed  map[string]struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		claimed:  make(map[string]struct{}),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, payment *Payment) error {
	if payment == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment 不能为空")
	}
	if payment.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.ID]; ok {
		return ErrPaymentConflict
	}
	if payment.CreatedAt == 0 {
		payment.CreatedAt = time.Now().Unix()
	}
	clone := *payment
	m.payments[payment.ID] = &clone
	return nil
}

// Get 返回支付记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	clone := *payment
	return &clone, nil
}

// List 返回符合过滤条件的支付，按创建时间倒序。
func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Payment, 0, len(m.payments))
	for _, payment := range m.payments {
		if filter.Status != "" && payment.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" &&
			!strings.EqualFold(payment.FromAgentID, filter.AgentID) &&
			!strings.EqualFold(payment.ToAgentID, filter.AgentID) {
			continue
		}
		if filter.TaskID != "" && payment.TaskID != filter.TaskID {
			continue
		}
		clone := *payment
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

// Stats 聚合支付统计。金额用精确有理数求和。
func (m *MemoryStore) Stats(_ context.Context) (PaymentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PaymentStats{}
	grandTotal := new(big.Rat)
	byStatus := make(map[Status]*StatusBreakdown)
	totals := make(map[Status]*big.Rat)

	for _, payment := range m.payments {
		stats.Total++
		amount, ok := new(big.Rat).SetString(string(payment.Amount))
		if !ok {
			amount = new(big.Rat)
		}
		grandTotal.Add(grandTotal, amount)

		breakdown, exists := byStatus[payment.Status]
		if !exists {
			breakdown = &StatusBreakdown{Status: payment.Status}
			byStatus[payment.Status] = breakdown
			totals[payment.Status] = new(big.Rat)
		}
		breakdown.Count++
		totals[payment.Status].Add(totals[payment.Status], amount)
	}

	stats.TotalAmount = json.Number(trimTrailingZeros(grandTotal.FloatString(8)))
	for status, breakdown := range byStatus {
		breakdown.Total = json.Number(trimTrailingZeros(totals[status].FloatString(8)))
		stats.ByStatus = append(stats.ByStatus, *breakdown)
	}
	sort.Slice(stats.ByStatus, func(i, j int) bool {
		return stats.ByStatus[i].Status < stats.ByStatus[j].Status
	})
	return stats, nil
}

// MarkVerified 将支付置为 verified。已核验的支付保持原样返回。
func (m *MemoryStore) MarkVerified(_ context.Context, id, txRef string) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}
	transitioned := payment.Status != StatusVerified
	if transitioned {
		payment.Status = StatusVerified
		payment.TxRef = txRef
		payment.VerifiedAt = time.Now().Unix()
	}
	clone := *payment
	return &clone, transitioned, nil
}

// MarkFailed 将支付置为 failed。已核验的支付不可降级。
func (m *MemoryStore) MarkFailed(_ context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if payment.Status != StatusVerified {
		payment.Status = StatusFailed
	}
	clone := *payment
	return &clone, nil
}

// IsSignatureVerified 查询签名是否已被占用。
func (m *MemoryStore) IsSignatureVerified(_ context.Context, signature string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.claimed[strings.ToLower(signature)]
	return ok, nil
}

// ClaimSignature 原子占用签名。
func (m *MemoryStore) ClaimSignature(_ context.Context, signature string) (bool, error) {
	key := strings.ToLower(signature)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claimed[key]; ok {
		return false, nil
	}
	m.claimed[key] = struct{}{}
	return true, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// trimTrailingZeros 去掉定点字符串的多余尾零。
func trimTrailingZeros(amount string) string {
	if !strings.Contains(amount, ".") {
		return amount
	}
	amount = strings.TrimRight(amount, "0")
	return strings.TrimSuffix(amount, ".")
}

var _ Store = (*MemoryStore)(nil)
