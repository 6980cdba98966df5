package permit

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/diero-hl/agentnet/internal/errors"
)

// 授权校验相关的错误码。重放尝试需要进入审计通道，因此单独告警。
const (
	CodeMissingParameters   apperrors.Code = "PERMIT_MISSING_PARAMETERS"
	CodeOwnerMismatch       apperrors.Code = "PERMIT_OWNER_MISMATCH"
	CodeDuplicate           apperrors.Code = "PERMIT_DUPLICATE"
	CodeInvalidSignature    apperrors.Code = "PERMIT_INVALID_SIGNATURE"
	CodeInsufficientBalance apperrors.Code = "PERMIT_INSUFFICIENT_BALANCE"
	CodeExpired             apperrors.Code = "PERMIT_EXPIRED"
)

func init() {
	apperrors.Register(CodeMissingParameters, apperrors.Attributes{
		Message: "missing permit parameters", Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeOwnerMismatch, apperrors.Attributes{
		Message: "permit owner does not match agent wallet", Severity: apperrors.SeverityWarning,
	})
	apperrors.Register(CodeDuplicate, apperrors.Attributes{
		Message: "permit signature already verified", Severity: apperrors.SeverityWarning, Alert: true,
	})
	apperrors.Register(CodeInvalidSignature, apperrors.Attributes{
		Message: "invalid permit signature", Severity: apperrors.SeverityWarning, Alert: true,
	})
	apperrors.Register(CodeInsufficientBalance, apperrors.Attributes{
		Message: "insufficient settlement token balance", Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeExpired, apperrors.Attributes{
		Message: "permit deadline has expired", Severity: apperrors.SeverityInfo,
	})
}

// ReasonOf 返回错误对应的机器可读原因，供 API 响应使用。
func ReasonOf(err error) string {
	switch apperrors.CodeOf(err) {
	case CodeMissingParameters:
		return "missing_parameters"
	case CodeOwnerMismatch:
		return "owner_mismatch"
	case CodeDuplicate:
		return "duplicate_permit"
	case CodeInvalidSignature:
		return "invalid_signature"
	case CodeInsufficientBalance:
		return "insufficient_balance"
	case CodeExpired:
		return "permit_expired"
	case apperrors.CodeNotFound:
		return "agent_not_found"
	default:
		return "internal_error"
	}
}

// Permit 携带一次 EIP-2612 授权签名的全部要素。
// 数值字段用十进制字符串表达，避免大整数精度损失。
type Permit struct {
	Owner      string      `json:"owner"`
	Spender    string      `json:"spender"`
	Value      string      `json:"value"`
	Nonce      string      `json:"nonce"`
	Deadline   string      `json:"deadline"`
	V          int         `json:"v"`
	R          string      `json:"r"`
	S          string      `json:"s"`
	Signature  string      `json:"signature"`
	AmountUSDC json.Number `json:"amount_usdc"`
	// NonceProvisional 表示签名时链上 nonce 读取失败，使用了 0。
	// 这样的授权只有在账户从未用过 permit 时才可能通过校验。
	NonceProvisional bool `json:"nonce_provisional,omitempty"`
}

// FullSignature 把 v/r/s 拼成 65 字节的十六进制签名。
func FullSignature(r, s string, v int) string {
	return fmt.Sprintf("0x%s%s%02x",
		strings.TrimPrefix(r, "0x"),
		strings.TrimPrefix(s, "0x"),
		byte(v))
}
