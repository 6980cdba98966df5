package agent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
)

type memoryRecord struct {
	agent *Agent
	creds Credentials
}

// MemoryStore 以内存方式保存代理目录，主要用于测试。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*memoryRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*memoryRecord)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, agent *Agent, creds Credentials) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrAgentConflict
	}
	for _, record := range m.agents {
		if agent.WalletAddress != "" && strings.EqualFold(record.agent.WalletAddress, agent.WalletAddress) {
			return ErrAgentConflict
		}
	}
	now := time.Now().Unix()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	m.agents[agent.ID] = &memoryRecord{agent: cloneAgent(agent), creds: creds}
	return nil
}

// Get 返回代理。
func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(record.agent), nil
}

// List 返回符合过滤条件的代理，按注册时间倒序。
func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Agent, 0, len(m.agents))
	for _, record := range m.agents {
		if !matchesFilter(record.agent, filter) {
			continue
		}
		results = append(results, cloneAgent(record.agent))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

// Update 局部更新代理信息。
func (m *MemoryStore) Update(_ context.Context, id string, update Update) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	agent := record.agent
	if update.Name != nil {
		agent.Name = *update.Name
	}
	if update.Capabilities != nil {
		agent.Capabilities = append([]string(nil), update.Capabilities...)
	}
	if update.Status != nil {
		agent.Status = *update.Status
	}
	if update.Description != nil {
		agent.Description = *update.Description
	}
	if update.EndpointURL != nil {
		agent.EndpointURL = *update.EndpointURL
	}
	agent.UpdatedAt = time.Now().Unix()
	return cloneAgent(agent), nil
}

// Stats 聚合目录统计。
func (m *MemoryStore) Stats(_ context.Context) (DirectoryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := DirectoryStats{}
	counts := make(map[string]int)
	for _, record := range m.agents {
		stats.Total++
		if record.agent.Status == StatusActive {
			stats.Active++
		}
		for _, capability := range record.agent.Capabilities {
			counts[capability]++
		}
	}
	for capability, count := range counts {
		stats.TopCapabilities = append(stats.TopCapabilities, CapabilityCount{Capability: capability, Count: count})
	}
	sort.Slice(stats.TopCapabilities, func(i, j int) bool {
		if stats.TopCapabilities[i].Count == stats.TopCapabilities[j].Count {
			return stats.TopCapabilities[i].Capability < stats.TopCapabilities[j].Capability
		}
		return stats.TopCapabilities[i].Count > stats.TopCapabilities[j].Count
	})
	if len(stats.TopCapabilities) > 10 {
		stats.TopCapabilities = stats.TopCapabilities[:10]
	}
	return stats, nil
}

// Credentials 返回代理的敏感凭据。
func (m *MemoryStore) Credentials(_ context.Context, id string) (Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.agents[id]
	if !ok {
		return Credentials{}, ErrAgentNotFound
	}
	return record.creds, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesFilter(agent *Agent, filter ListFilter) bool {
	if filter.Capability != "" {
		matched := false
		for _, capability := range agent.Capabilities {
			if strings.EqualFold(capability, filter.Capability) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(agent.Name), needle) &&
			!strings.Contains(strings.ToLower(agent.Description), needle) {
			return false
		}
	}
	if filter.Status != "" && agent.Status != filter.Status {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
