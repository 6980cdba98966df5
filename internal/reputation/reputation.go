package reputation

import (
	"context"
	"encoding/json"
	"math/big"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
)

// 评分规则：新代理从 50 分起步，完成任务 +1，失败 -2，范围钳制在 [0, 100]。
// 金额一律使用十进制字符串，不经过浮点数。
const (
	startingScore   = 50
	completedReward = 1
	failedPenalty   = 2
	minScore        = 0
	maxScore        = 100

	// LeaderboardSize 是排行榜的默认长度。
	LeaderboardSize = 20
)

// Reputation 是单个代理的信誉档案。
type Reputation struct {
	AgentID        string      `json:"agent_id"`
	Score          json.Number `json:"score"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`
	TotalEarned    json.Number `json:"total_earned"`
	LastUpdated    int64       `json:"last_updated"`
}

// ErrReputationNotFound 表示代理尚无信誉档案。
var ErrReputationNotFound = xerrors.New(xerrors.CodeNotFound, "Reputation not found")

// Store 抽象了信誉档案的持久化接口。
type Store interface {
	// Ensure 确保代理存在档案，不存在时以起步分建档。
	Ensure(ctx context.Context, agentID string) error
	Get(ctx context.Context, agentID string) (*Reputation, error)
	// List 返回全部档案，按分数倒序。limit <= 0 表示不限制。
	List(ctx context.Context, limit int) ([]*Reputation, error)
	// ApplyTaskOutcome 按任务结果调整分数与计数。
	ApplyTaskOutcome(ctx context.Context, agentID string, succeeded bool) error
	// AddEarnings 累加已核验的收入金额（十进制字符串）。
	AddEarnings(ctx context.Context, agentID string, amount string) error
	Close() error
}

// clampScore 将分数钳制在有效区间内。
func clampScore(score *big.Rat) *big.Rat {
	if score.Cmp(big.NewRat(minScore, 1)) < 0 {
		return big.NewRat(minScore, 1)
	}
	if score.Cmp(big.NewRat(maxScore, 1)) > 0 {
		return big.NewRat(maxScore, 1)
	}
	return score
}

// formatScore 输出两位小数的分数。
func formatScore(score *big.Rat) json.Number {
	return json.Number(score.FloatString(2))
}

// formatEarned 输出八位小数的累计收入，与结算精度一致。
func formatEarned(total *big.Rat) json.Number {
	return json.Number(total.FloatString(8))
}

// parseAmount 解析十进制金额字符串，拒绝负数与非法输入。
func parseAmount(amount string) (*big.Rat, error) {
	rat, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的金额: "+amount)
	}
	if rat.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为负")
	}
	return rat, nil
}
