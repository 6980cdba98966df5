package agent

import (
	xerrors "github.com/diero-hl/agentnet/internal/errors"
)

// Status 表示代理在目录中的可用状态。
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Agent 是市场目录中的一个自治代理。
// 敏感字段（API key 哈希、加密私钥）不在此结构中暴露。
type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	WalletAddress string   `json:"wallet_address"`
	Capabilities  []string `json:"capabilities"`
	Status        Status   `json:"status"`
	Description   string   `json:"description"`
	EndpointURL   string   `json:"endpoint_url"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

var (
	// ErrAgentNotFound 表示指定的代理不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "Agent not found")
	// ErrAgentConflict 表示代理的唯一约束被破坏（如钱包地址重复）。
	ErrAgentConflict = xerrors.New(xerrors.CodeConflict, "agent already exists",
		xerrors.WithSeverity(xerrors.SeverityWarning))
)

// IsValidStatus 检查给定的代理状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusInactive:
		return true
	default:
		return false
	}
}

func cloneAgent(agent *Agent) *Agent {
	clone := *agent
	clone.Capabilities = append([]string(nil), agent.Capabilities...)
	return &clone
}
