package payment

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/internal/observability/alerting"
	"github.com/diero-hl/agentnet/internal/permit"
	"github.com/diero-hl/agentnet/pkg/logger"
	"github.com/google/uuid"
)

// 支付相关的业务错误码。
const (
	CodePaymentValidation xerrors.Code = "PAYMENT_VALIDATION_FAILED"
	CodePaymentDuplicate  xerrors.Code = "PAYMENT_DUPLICATE_SIGNATURE"
	CodePermitUnavailable xerrors.Code = "PAYMENT_PERMIT_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodePaymentValidation, xerrors.Attributes{
		Message: "payment request validation failed", Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePaymentDuplicate, xerrors.Attributes{
		Message: "permit signature already settled", Severity: xerrors.SeverityWarning, Alert: true,
	})
	xerrors.Register(CodePermitUnavailable, xerrors.Attributes{
		Message: "permit verification is not configured", Severity: xerrors.SeverityWarning,
	})
}

// CreateRequest 是登记一笔支付的入参。
type CreateRequest struct {
	TaskID        string `json:"task_id"`
	FromAgentID   string `json:"from_agent_id"`
	ToAgentID     string `json:"to_agent_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	TxHash        string `json:"tx_hash"`
	Network       string `json:"network"`
	PaymentMethod string `json:"payment_method"`

	PermitSignature string `json:"permit_signature"`
	PermitDeadline  int64  `json:"permit_deadline"`
	PermitNonce     string `json:"permit_nonce"`
	PermitV         int    `json:"permit_v"`
	PermitR         string `json:"permit_r"`
	PermitS         string `json:"permit_s"`
}

// Service 负责支付的登记、核验与统计。
// 免 gas 签名支付登记后处于 signed 状态，等待授权校验与链上结算。
type Service struct {
	store    Store
	verifier *permit.Verifier
	bus      *event.Bus
	alerts   alerting.Dispatcher
}

// Option 定义支付服务的可选配置。
type Option func(*Service)

// WithAlerts 配置告警分发器。签名重放等欺诈信号会通过它广播。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerts = dispatcher
	}
}

// NewService 构造支付服务。verifier 和 bus 均可为 nil。
func NewService(store Store, verifier *permit.Verifier, bus *event.Bus, opts ...Option) *Service {
	s := &Service{store: store, verifier: verifier, bus: bus}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 登记一笔支付。
// 携带授权签名的请求会先查重：已结算过的签名直接拒绝。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Payment, error) {
	if strings.TrimSpace(req.FromAgentID) == "" || strings.TrimSpace(req.ToAgentID) == "" {
		return nil, xerrors.New(CodePaymentValidation, "from_agent_id 和 to_agent_id 不能为空")
	}
	amount, ok := new(big.Rat).SetString(strings.TrimSpace(req.Amount))
	if !ok || amount.Sign() <= 0 {
		return nil, xerrors.New(CodePaymentValidation, "amount 必须是正的十进制数")
	}

	method := req.PaymentMethod
	if method == "" {
		method = MethodX402
	}
	signature := req.PermitSignature
	if signature == "" && req.PermitR != "" && req.PermitS != "" && req.PermitV != 0 {
		signature = permit.FullSignature(req.PermitR, req.PermitS, req.PermitV)
	}

	if signature != "" {
		used, err := s.store.IsSignatureVerified(ctx, signature)
		if err != nil {
			return nil, err
		}
		if used {
			err := xerrors.New(CodePaymentDuplicate,
				"Duplicate permit: this signature was already verified")
			s.alert(ctx, err, req.FromAgentID, "")
			return nil, err
		}
	}

	status := StatusPending
	if method == MethodGaslessPermit {
		status = StatusSigned
	}
	currency := req.Currency
	if currency == "" {
		currency = "USDC"
	}
	network := req.Network
	if network == "" {
		network = "base"
	}

	payment := &Payment{
		ID:              uuid.NewString(),
		TaskID:          req.TaskID,
		FromAgentID:     req.FromAgentID,
		ToAgentID:       req.ToAgentID,
		Amount:          jsonNumber(amount),
		Currency:        currency,
		Status:          status,
		TxHash:          req.TxHash,
		Network:         network,
		PaymentMethod:   method,
		PermitSignature: signature,
		PermitDeadline:  req.PermitDeadline,
		PermitNonce:     req.PermitNonce,
		PermitV:         req.PermitV,
		PermitR:         req.PermitR,
		PermitS:         req.PermitS,
	}
	if err := s.store.Create(ctx, payment); err != nil {
		return nil, err
	}

	logger.Audit().InfoContext(ctx, "支付已登记",
		"payment_id", payment.ID,
		"from_agent_id", payment.FromAgentID,
		"to_agent_id", payment.ToAgentID,
		"amount", string(payment.Amount),
		"method", payment.PaymentMethod,
		"status", string(payment.Status))
	return payment, nil
}

// VerifyPermit 对免 gas 授权做链上校验。未配置校验器时拒绝。
func (s *Service) VerifyPermit(ctx context.Context, req permit.VerifyRequest) (*permit.Verification, error) {
	if s.verifier == nil {
		return nil, xerrors.New(CodePermitUnavailable, "链上授权校验未启用")
	}
	verification, err := s.verifier.Verify(ctx, req)
	if err != nil {
		if xerrors.ShouldAlert(err) {
			s.alert(ctx, err, req.FromAgentID, "")
		}
		return nil, err
	}
	return verification, nil
}

// MarkVerified 将支付标记为已核验并通知订阅者。
// 只有真正赢得状态切换的那次调用发事件，重复或并发核验不会重复入账。
func (s *Service) MarkVerified(ctx context.Context, id, txRef string) (*Payment, error) {
	payment, transitioned, err := s.store.MarkVerified(ctx, id, txRef)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return payment, nil
	}

	s.bus.PublishPaymentVerified(ctx, event.PaymentVerified{
		PaymentID:    payment.ID,
		PayeeAgentID: payment.ToAgentID,
		Amount:       payment.Amount,
	})
	logger.Audit().InfoContext(ctx, "支付核验通过",
		"payment_id", payment.ID,
		"to_agent_id", payment.ToAgentID,
		"amount", string(payment.Amount),
		"tx_ref", txRef)
	return payment, nil
}

// MarkFailed 将支付标记为失败。已核验的支付不可降级。
func (s *Service) MarkFailed(ctx context.Context, id string) (*Payment, error) {
	return s.store.MarkFailed(ctx, id)
}

// Get 返回指定支付。
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的支付。
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Payment, error) {
	return s.store.List(ctx, filter)
}

// Stats 返回支付统计。
func (s *Service) Stats(ctx context.Context) (PaymentStats, error) {
	return s.store.Stats(ctx)
}

// Close 释放底层资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// alert 把欺诈信号广播到已配置的通知渠道。分发失败只记日志。
func (s *Service) alert(ctx context.Context, cause error, agentID, refID string) {
	if s.alerts == nil {
		return
	}
	evt := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		AgentID:    agentID,
		RefID:      refID,
		OccurredAt: time.Now(),
	}
	if err := s.alerts.Notify(ctx, evt); err != nil {
		logger.L().Warn("告警分发失败", "error", err, "code", string(evt.Code))
	}
}

// jsonNumber 把有理数格式化为不带尾零的十进制字符串。
func jsonNumber(amount *big.Rat) json.Number {
	return json.Number(trimTrailingZeros(amount.FloatString(8)))
}

