package executor

import (
	"context"
	"math/big"
	"strings"

	"github.com/diero-hl/agentnet/internal/abi"
	"github.com/diero-hl/agentnet/internal/chain"
)

// ERC-20 只读函数的选择器，直接拼进 eth_call 的 data 字段。
const (
	callDataName        = "0x06fdde03"
	callDataSymbol      = "0x95d89b41"
	callDataDecimals    = "0x313ce567"
	callDataTotalSupply = "0x18160ddd"
)

// tokenMetadata 汇总一次代币元信息读取的结果。单项失败各自降级。
type tokenMetadata struct {
	name     string
	symbol   string
	decimals int
	supply   *big.Int
}

// readTokenMetadata 并行读取 name/symbol/decimals/totalSupply。
// decimals 未知时为 -1。
func (e *Executor) readTokenMetadata(ctx context.Context, address string) tokenMetadata {
	var nameHex, symbolHex, decimalsHex, supplyHex string
	fanout(
		func() { nameHex, _ = e.ethCall(ctx, address, callDataName) },
		func() { symbolHex, _ = e.ethCall(ctx, address, callDataSymbol) },
		func() { decimalsHex, _ = e.ethCall(ctx, address, callDataDecimals) },
		func() { supplyHex, _ = e.ethCall(ctx, address, callDataTotalSupply) },
	)

	meta := tokenMetadata{
		name:     abi.DecodeString(nameHex),
		symbol:   abi.DecodeString(symbolHex),
		decimals: -1,
	}
	if value, ok := abi.DecodeUint(decimalsHex); ok && value.IsInt64() {
		meta.decimals = int(value.Int64())
	}
	if value, ok := abi.DecodeUint(supplyHex); ok {
		meta.supply = value
	}
	return meta
}

// analyzeContract 对地址做基础画像：账户类型、字节码规模、已知函数与
// 代币元信息。地址非法时回退到结算代币合约。
func (e *Executor) analyzeContract(ctx context.Context, address string) (Result, error) {
	if !strings.HasPrefix(address, "0x") {
		address = e.def.SettlementToken.Address
	}

	var (
		code, balanceHex, txCountHex, blockHex     string
		codeErr, balanceErr, txCountErr, blockErr error
	)
	fanout(
		func() { code, codeErr = e.callString(ctx, "eth_getCode", address, "latest") },
		func() { balanceHex, balanceErr = e.callString(ctx, "eth_getBalance", address, "latest") },
		func() { txCountHex, txCountErr = e.callString(ctx, "eth_getTransactionCount", address, "latest") },
		func() { blockHex, blockErr = e.callString(ctx, "eth_blockNumber") },
	)
	for _, err := range []error{codeErr, balanceErr, txCountErr, blockErr} {
		if err != nil {
			return nil, err
		}
	}

	balance, err := chain.ParseBig(balanceHex)
	if err != nil {
		return nil, err
	}
	txCount, err := chain.ParseUint64(txCountHex)
	if err != nil {
		return nil, err
	}
	blockNum, err := chain.ParseUint64(blockHex)
	if err != nil {
		return nil, err
	}

	isContract := strings.HasPrefix(code, "0x") && len(code) > 2
	detected := abi.Scan(code)
	isERC20 := isContract && abi.IsERC20(code)

	accountType := "EOA (Wallet)"
	bytecodeSize := "N/A"
	if isContract {
		accountType = "Smart Contract"
		if isERC20 {
			accountType = "ERC-20 Token Contract"
		}
		bytecodeSize = formatBytes((len(code) - 2) / 2)
	}

	result := Result{
		"status":            "completed",
		"chain":             e.def.Name,
		"address":           address,
		"type":              accountType,
		"bytecode_size":     bytecodeSize,
		"eth_balance":       formatEth(balance),
		"transaction_count": txCount,
		"block_analyzed":    blockNum,
	}

	if isContract {
		meta := e.readTokenMetadata(ctx, address)
		if meta.name != "" || meta.symbol != "" {
			result["token_name"] = orUnknown(meta.name)
			result["token_symbol"] = orUnknown(meta.symbol)
			if meta.decimals >= 0 {
				result["token_decimals"] = meta.decimals
			}
			if meta.supply != nil {
				result["token_total_supply"] = formatSupply(meta.supply, meta.decimals)
			}
		}
	}

	if len(detected) > 0 {
		result["detected_functions"] = detected
		result["function_count"] = len(detected)
	}
	result["is_erc20"] = isERC20
	result["basescan"] = e.def.ExplorerAddressURL(address)

	return result, nil
}

// tokenLookup 读取代币的完整画像。输入可以是地址或别名，未知输入
// 回退到结算代币。所有读取均可单独降级。
func (e *Executor) tokenLookup(ctx context.Context, input string) (Result, error) {
	address := e.def.ResolveToken(input)
	if !strings.HasPrefix(address, "0x") {
		address = e.def.SettlementToken.Address
	}

	var code, balanceHex string
	var meta tokenMetadata
	fanout(
		func() { meta = e.readTokenMetadata(ctx, address) },
		func() { code, _ = e.callString(ctx, "eth_getCode", address, "latest") },
		func() { balanceHex, _ = e.callString(ctx, "eth_getBalance", address, "latest") },
	)

	balance, err := chain.ParseBig(balanceHex)
	if err != nil {
		balance = new(big.Int)
	}

	isContract := strings.HasPrefix(code, "0x") && len(code) > 2
	detected := abi.Scan(code)
	isERC20 := isContract && abi.IsERC20(code)
	hasPermit := false
	for _, sig := range detected {
		if strings.HasPrefix(sig, "permit(") {
			hasPermit = true
		}
	}

	codeSize := 0
	if isContract {
		codeSize = (len(code) - 2) / 2
	}

	var decimals any
	if meta.decimals >= 0 {
		decimals = meta.decimals
	}
	var totalSupply any
	if meta.supply != nil {
		totalSupply = formatSupply(meta.supply, meta.decimals)
	}

	return Result{
		"status":         "completed",
		"chain":          e.def.Name,
		"address":        address,
		"name":           orUnknown(meta.name),
		"symbol":         orUnknown(meta.symbol),
		"decimals":       decimals,
		"total_supply":   totalSupply,
		"is_erc20":       isERC20,
		"has_permit":     hasPermit,
		"contract_size":  formatBytes(codeSize),
		"eth_balance":    formatEth(balance),
		"function_count": len(detected),
		"basescan":       e.def.ExplorerTokenURL(address),
	}, nil
}

func orUnknown(value string) string {
	if value == "" {
		return "Unknown"
	}
	return value
}
