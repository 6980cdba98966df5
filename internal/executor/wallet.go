package executor

import (
	"context"
	"math/big"
	"strings"

	"github.com/diero-hl/agentnet/internal/abi"
	"github.com/diero-hl/agentnet/internal/chain"
)

const selectorBalanceOf = "0x70a08231"

// settlementBalance 查询地址的结算代币余额，失败时 ok 为 false。
func (e *Executor) settlementBalance(ctx context.Context, address string) (*big.Int, bool) {
	padded := strings.ToLower(strings.TrimPrefix(address, "0x"))
	callData := selectorBalanceOf + strings.Repeat("0", 64-len(padded)) + padded

	result, err := e.ethCall(ctx, e.def.SettlementToken.Address, callData)
	if err != nil || result == "" || result == "0x" {
		return nil, false
	}
	value, ok := abi.DecodeUint(result)
	if !ok {
		return nil, false
	}
	return value, true
}

// walletCheck 检查钱包地址的余额与账户类型。地址非法时直接失败。
func (e *Executor) walletCheck(ctx context.Context, address string) (Result, error) {
	if !strings.HasPrefix(address, "0x") {
		return Result{
			"status": "failed",
			"error":  "Provide a valid wallet address starting with 0x",
		}, nil
	}

	var (
		balanceHex, txCountHex, code    string
		balanceErr, txCountErr, codeErr error
	)
	fanout(
		func() { balanceHex, balanceErr = e.callString(ctx, "eth_getBalance", address, "latest") },
		func() { txCountHex, txCountErr = e.callString(ctx, "eth_getTransactionCount", address, "latest") },
		func() { code, codeErr = e.callString(ctx, "eth_getCode", address, "latest") },
	)
	for _, err := range []error{balanceErr, txCountErr, codeErr} {
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

	accountType := "EOA (Regular Wallet)"
	if strings.HasPrefix(code, "0x") && len(code) > 2 {
		accountType = "Smart Contract / Smart Wallet"
	}

	tokenDisplay := "unable to fetch"
	if tokenBalance, ok := e.settlementBalance(ctx, address); ok {
		tokenDisplay = chain.FormatUnits(tokenBalance, e.def.SettlementToken.Decimals, 2) + " " + e.def.SettlementToken.Symbol
	}

	return Result{
		"status":            "completed",
		"chain":             e.def.Name,
		"address":           address,
		"type":              accountType,
		"eth_balance":       formatEth(balance),
		"usdc_balance":      tokenDisplay,
		"transaction_count": txCount,
		"basescan":          e.def.ExplorerAddressURL(address),
	}, nil
}
