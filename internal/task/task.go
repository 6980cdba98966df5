package task

import (
	stdErrors "errors"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/internal/executor"
)

// Status 表示任务在生命周期中的状态。
// 状态只能沿 pending -> processing -> completed|failed 前进。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task 描述了市场中一次委托执行的任务。
// 请求方代理付费委托目标代理执行指定类型的链上查询。
type Task struct {
	ID               string          `json:"id"`
	RequesterAgentID string          `json:"requester_agent_id"`
	TargetAgentID    string          `json:"target_agent_id"`
	TaskType         string          `json:"task_type"`
	Payload          map[string]any  `json:"payload,omitempty"`
	Status           Status          `json:"status"`
	Result           executor.Result `json:"result,omitempty"`
	ProofHash        string          `json:"proof_hash,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	CreatedAt        int64           `json:"created_at"`
	UpdatedAt        int64           `json:"updated_at"`
}

// Input 返回任务输入参数。执行器以单个字符串作为入参。
func (t *Task) Input() string {
	if t == nil || t.Payload == nil {
		return ""
	}
	if input, ok := t.Payload["input"].(string); ok {
		return input
	}
	return ""
}

// Terminal 判断任务是否已进入终态。
func (t *Task) Terminal() bool {
	return t != nil && (t.Status == StatusCompleted || t.Status == StatusFailed)
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "Task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskTerminal 表示任务已经进入终态，状态不再改变。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskTerminal   xerrors.Code = "TASK_TERMINAL"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:   "task already finished",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return target == CodeTaskNotFound
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		return target == CodeTaskConflict
	}
	if stdErrors.Is(err, ErrTaskTerminal) {
		return target == CodeTaskTerminal
	}
	return false
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

func cloneResult(result executor.Result) executor.Result {
	if result == nil {
		return nil
	}
	cloned := make(executor.Result, len(result))
	for key, value := range result {
		cloned[key] = value
	}
	return cloned
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
