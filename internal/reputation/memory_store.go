package reputation

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"time"
)

type memoryProfile struct {
	score          *big.Rat
	tasksCompleted int
	tasksFailed    int
	totalEarned    *big.Rat
	lastUpdated    int64
}

// MemoryStore 以内存方式保存信誉档案，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*memoryProfile
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*memoryProfile)}
}

// Ensure 实现 Store 接口。
func (m *MemoryStore) Ensure(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(agentID)
	return nil
}

func (m *MemoryStore) ensureLocked(agentID string) *memoryProfile {
	profile, ok := m.profiles[agentID]
	if !ok {
		profile = &memoryProfile{
			score:       big.NewRat(startingScore, 1),
			totalEarned: new(big.Rat),
			lastUpdated: time.Now().Unix(),
		}
		m.profiles[agentID] = profile
	}
	return profile
}

// Get 返回档案。
func (m *MemoryStore) Get(_ context.Context, agentID string) (*Reputation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[agentID]
	if !ok {
		return nil, ErrReputationNotFound
	}
	return toReputation(agentID, profile), nil
}

// List 返回全部档案，按分数倒序。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*Reputation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Reputation, 0, len(m.profiles))
	for agentID, profile := range m.profiles {
		results = append(results, toReputation(agentID, profile))
	}
	sort.Slice(results, func(i, j int) bool {
		cmp := compareScores(results[i].Score, results[j].Score)
		if cmp == 0 {
			return results[i].AgentID < results[j].AgentID
		}
		return cmp > 0
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ApplyTaskOutcome 按任务结果调整分数与计数。
func (m *MemoryStore) ApplyTaskOutcome(_ context.Context, agentID string, succeeded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile := m.ensureLocked(agentID)
	if succeeded {
		profile.score = clampScore(new(big.Rat).Add(profile.score, big.NewRat(completedReward, 1)))
		profile.tasksCompleted++
	} else {
		profile.score = clampScore(new(big.Rat).Sub(profile.score, big.NewRat(failedPenalty, 1)))
		profile.tasksFailed++
	}
	profile.lastUpdated = time.Now().Unix()
	return nil
}

// AddEarnings 累加已核验的收入金额。
func (m *MemoryStore) AddEarnings(_ context.Context, agentID string, amount string) error {
	value, err := parseAmount(amount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	profile := m.ensureLocked(agentID)
	profile.totalEarned = new(big.Rat).Add(profile.totalEarned, value)
	profile.lastUpdated = time.Now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func toReputation(agentID string, profile *memoryProfile) *Reputation {
	return &Reputation{
		AgentID:        agentID,
		Score:          formatScore(profile.score),
		TasksCompleted: profile.tasksCompleted,
		TasksFailed:    profile.tasksFailed,
		TotalEarned:    formatEarned(profile.totalEarned),
		LastUpdated:    profile.lastUpdated,
	}
}

func compareScores(a, b json.Number) int {
	left, okL := new(big.Rat).SetString(string(a))
	right, okR := new(big.Rat).SetString(string(b))
	if !okL || !okR {
		return 0
	}
	return left.Cmp(right)
}

var _ Store = (*MemoryStore)(nil)
