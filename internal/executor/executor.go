package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/diero-hl/agentnet/internal/chain"
	"github.com/diero-hl/agentnet/pkg/logger"
)

// Result 是任务执行的输出，键名与各智能体之间的约定保持一致。
type Result map[string]any

// Status 返回结果中的状态字段。
func (r Result) Status() string {
	status, _ := r["status"].(string)
	return status
}

// Succeeded 判断任务是否执行成功。
func (r Result) Succeeded() bool {
	return r.Status() == "completed"
}

// ErrorMessage 返回失败原因，成功时为空。
func (r Result) ErrorMessage() string {
	msg, _ := r["error"].(string)
	return msg
}

// SupportedTypes 是执行器支持的任务类型。
var SupportedTypes = []string{
	"contract_analysis",
	"token_lookup",
	"wallet_check",
	"gas_estimate",
	"block_info",
	"tx_trace",
}

// Executor 面向单条链执行只读任务。失败以结果表达，Execute 从不返回错误。
type Executor struct {
	client chain.Client
	def    chain.Definition
	now    func() time.Time
}

// New 构造执行器。
func New(client chain.Client, def chain.Definition) *Executor {
	return &Executor{client: client, def: def, now: time.Now}
}

// Execute 执行指定类型的任务。未知类型返回 completed 的提示结果，
// 链上读取失败转为 failed 结果。
func (e *Executor) Execute(ctx context.Context, taskType, input string) Result {
	start := e.now()

	result, err := e.dispatch(ctx, taskType, input)
	if err != nil {
		logger.Named("executor").WarnContext(ctx, "任务执行失败",
			"task_type", taskType, "error", err)
		result = Result{
			"status": "failed",
			"error":  err.Error(),
			"input":  input,
		}
	}

	result["duration_ms"] = e.now().Sub(start).Milliseconds()
	result["executedAt"] = e.now().UTC().Format(time.RFC3339)
	return result
}

func (e *Executor) dispatch(ctx context.Context, taskType, input string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("任务执行异常: %v", r)
		}
	}()

	switch taskType {
	case "contract_analysis":
		return e.analyzeContract(ctx, input)
	case "token_lookup":
		return e.tokenLookup(ctx, input)
	case "wallet_check":
		return e.walletCheck(ctx, input)
	case "gas_estimate":
		return e.gasEstimate(ctx)
	case "block_info":
		return e.blockInfo(ctx, input)
	case "tx_trace":
		return e.txTrace(ctx, input)
	default:
		return Result{
			"status": "completed",
			"output": fmt.Sprintf("Task type %q executed", taskType),
			"input":  input,
			"note":   "Supported types: " + strings.Join(SupportedTypes, ", "),
		}, nil
	}
}

// callString 发起一次返回十六进制字符串的 RPC 调用。
// 节点返回 null 时得到空串，由调用方决定语义。
func (e *Executor) callString(ctx context.Context, method string, params ...any) (string, error) {
	raw, err := e.client.Call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("解析 %s 返回失败: %w", method, err)
	}
	return value, nil
}

// ethCall 对合约发起 eth_call。
func (e *Executor) ethCall(ctx context.Context, to, data string) (string, error) {
	return e.callString(ctx, "eth_call", map[string]string{"to": to, "data": data}, "latest")
}

// fanout 并行执行一组只读调用并等待全部完成。
func fanout(fns ...func()) {
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, fn := range fns {
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	wg.Wait()
}
