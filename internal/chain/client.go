package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/diero-hl/agentnet/internal/errors"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Client 是对 EVM 节点 JSON-RPC 的最小抽象。
// 单次调用、不重试、不缓存，超时由调用方通过 ctx 控制。
type Client interface {
	// Call 发起一次 JSON-RPC 调用并返回原始结果。
	// 节点返回 null 时 result 为字面量 "null"，由调用方判定。
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	// Close 释放底层连接。
	Close()
}

// RPCError 表示节点以 JSON-RPC error 对象返回的失败。
// 与传输层失败（拨号、超时）区分开，后者用 CHAIN_TRANSPORT_FAILURE 包装。
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcClient struct {
	name string
	raw  *gethrpc.Client
}

// Dial 连接指定的 RPC 端点并返回客户端。
func Dial(ctx context.Context, name, rpcURL string) (Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "未配置链的 RPC 地址")
	}
	raw, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeChainTransport, err, "连接链节点失败",
			apperrors.WithMetadata("chain", name))
	}
	return &rpcClient{name: name, raw: raw}, nil
}

func (c *rpcClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.raw.CallContext(ctx, &result, method, params...); err != nil {
		if rpcErr, ok := err.(gethrpc.Error); ok {
			return nil, &RPCError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
		}
		return nil, apperrors.Wrap(apperrors.CodeChainTransport, err, "链节点调用失败",
			apperrors.WithMetadata("chain", c.name),
			apperrors.WithMetadata("method", method))
	}
	return result, nil
}

func (c *rpcClient) Close() {
	if c.raw != nil {
		c.raw.Close()
	}
}
