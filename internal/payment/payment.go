package payment

import (
	"context"
	"encoding/json"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
)

// Status 表示一笔支付的结算状态。
// 链下签名支付从 signed 起步，其余从 pending 起步，核验后进入 verified。
type Status string

const (
	StatusPending  Status = "pending"
	StatusSigned   Status = "signed"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// 支付方式。gasless_permit 走 EIP-2612 免 gas 结算。
const (
	MethodX402          = "x402"
	MethodGaslessPermit = "gasless_permit"
)

// Payment 是两个代理之间的一笔结算记录。金额使用十进制字符串。
type Payment struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id,omitempty"`
	FromAgentID   string      `json:"from_agent_id"`
	ToAgentID     string      `json:"to_agent_id"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Status        Status      `json:"status"`
	TxRef         string      `json:"tx_ref,omitempty"`
	TxHash        string      `json:"tx_hash,omitempty"`
	Network       string      `json:"network"`
	PaymentMethod string      `json:"payment_method"`

	// EIP-2612 授权要素，仅 gasless_permit 支付携带。
	PermitSignature string `json:"permit_signature,omitempty"`
	PermitDeadline  int64  `json:"permit_deadline,omitempty"`
	PermitNonce     string `json:"permit_nonce,omitempty"`
	PermitV         int    `json:"permit_v,omitempty"`
	PermitR         string `json:"permit_r,omitempty"`
	PermitS         string `json:"permit_s,omitempty"`

	VerifiedAt int64 `json:"verified_at,omitempty"`
	CreatedAt  int64 `json:"created_at"`
}

var (
	// ErrPaymentNotFound 表示指定的支付不存在。
	ErrPaymentNotFound = xerrors.New(xerrors.CodeNotFound, "Payment not found")
	// ErrPaymentConflict 表示支付记录冲突。
	ErrPaymentConflict = xerrors.New(xerrors.CodeConflict, "payment already exists",
		xerrors.WithSeverity(xerrors.SeverityWarning))
)

// ListFilter 控制支付检索的过滤条件。
type ListFilter struct {
	Status  Status
	AgentID string
	TaskID  string
}

// StatusBreakdown 统计某个状态下的笔数与金额。
type StatusBreakdown struct {
	Status Status      `json:"status"`
	Count  int         `json:"count"`
	Total  json.Number `json:"total"`
}

// PaymentStats 聚合支付维度的统计信息。
type PaymentStats struct {
	Total       int               `json:"total"`
	TotalAmount json.Number       `json:"total_amount"`
	ByStatus    []StatusBreakdown `json:"by_status"`
}

// Store 抽象了支付记录的持久化接口。
// 它同时充当授权签名台账：一个签名只能结算一次。
type Store interface {
	Create(ctx context.Context, payment *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	List(ctx context.Context, filter ListFilter) ([]*Payment, error)
	Stats(ctx context.Context) (PaymentStats, error)
	// MarkVerified 将支付置为 verified。已核验的支付保持原样返回，
	// 第二个返回值标记本次调用是否真正完成了状态切换。
	MarkVerified(ctx context.Context, id, txRef string) (*Payment, bool, error)
	// MarkFailed 将支付置为 failed。已核验的支付不可降级。
	MarkFailed(ctx context.Context, id string) (*Payment, error)

	// IsSignatureVerified 查询签名是否已被占用。
	IsSignatureVerified(ctx context.Context, signature string) (bool, error)
	// ClaimSignature 原子占用签名。已被占用时返回 false。
	ClaimSignature(ctx context.Context, signature string) (bool, error)

	Close() error
}
