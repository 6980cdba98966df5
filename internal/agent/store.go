package agent

import "context"

// Credentials 是代理的敏感凭据，只在存储层与服务层之间流转。
type Credentials struct {
	APIKeyHash          string
	EncryptedPrivateKey string
}

// ListFilter 控制目录检索的过滤条件。
type ListFilter struct {
	Capability string
	Search     string
	Status     Status
}

// Update 描述一次局部更新。为 nil 的字段保持原值。
type Update struct {
	Name         *string
	Capabilities []string
	Status       *Status
	Description  *string
	EndpointURL  *string
}

// CapabilityCount 统计某项能力在目录中出现的次数。
type CapabilityCount struct {
	Capability string `json:"capability"`
	Count      int    `json:"count"`
}

// DirectoryStats 聚合目录维度的统计信息。
type DirectoryStats struct {
	Total           int               `json:"total"`
	Active          int               `json:"active"`
	TopCapabilities []CapabilityCount `json:"top_capabilities"`
}

// Store 抽象了代理目录的持久化接口。
type Store interface {
	Create(ctx context.Context, agent *Agent, creds Credentials) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context, filter ListFilter) ([]*Agent, error)
	Update(ctx context.Context, id string, update Update) (*Agent, error)
	Stats(ctx context.Context) (DirectoryStats, error)
	Credentials(ctx context.Context, id string) (Credentials, error)
	Close() error
}
