package task

import (
	"context"

	"github.com/diero-hl/agentnet/internal/executor"
)

// Store 抽象了任务状态的持久化接口。
// 终态写入是幂等的：对已完结的任务再次标记不改变任何状态，
// 返回值标记本次调用是否真正完成了终态切换。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkCompleted(ctx context.Context, id string, result executor.Result, proofHash string) (bool, error)
	MarkFailed(ctx context.Context, id string, result executor.Result, proofHash, lastError string) (bool, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
