package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/diero-hl/agentnet/internal/abi"
	"github.com/diero-hl/agentnet/internal/chain"
)

const txHashLength = 66

// txTrace 汇报单笔交易的执行概要。交易不存在时失败，回执缺失视为
// 尚未打包。
func (e *Executor) txTrace(ctx context.Context, txHash string) (Result, error) {
	if !strings.HasPrefix(txHash, "0x") || len(txHash) != txHashLength {
		return Result{
			"status": "failed",
			"error":  "Provide a valid transaction hash (0x... 66 chars)",
		}, nil
	}

	var (
		txRaw, receiptRaw json.RawMessage
		txErr, receiptErr error
	)
	fanout(
		func() { txRaw, txErr = e.client.Call(ctx, "eth_getTransactionByHash", txHash) },
		func() { receiptRaw, receiptErr = e.client.Call(ctx, "eth_getTransactionReceipt", txHash) },
	)
	if txErr != nil {
		return nil, txErr
	}
	if receiptErr != nil {
		return nil, receiptErr
	}

	if len(txRaw) == 0 || bytes.Equal(txRaw, []byte("null")) {
		return Result{
			"status": "failed",
			"error":  "Transaction not found on " + e.def.Name,
		}, nil
	}
	var tx chain.Transaction
	if err := json.Unmarshal(txRaw, &tx); err != nil {
		return nil, fmt.Errorf("解析交易返回失败: %w", err)
	}

	var receipt *chain.Receipt
	if len(receiptRaw) > 0 && !bytes.Equal(receiptRaw, []byte("null")) {
		receipt = &chain.Receipt{}
		if err := json.Unmarshal(receiptRaw, receipt); err != nil {
			return nil, fmt.Errorf("解析交易回执失败: %w", err)
		}
	}

	value, err := chain.ParseBig(tx.Value)
	if err != nil {
		value = nil
	}

	inputSize := 0
	if strings.HasPrefix(tx.Input, "0x") {
		inputSize = (len(tx.Input) - 2) / 2
	}

	method := "Contract Call"
	if inputSize == 0 {
		method = "ETH Transfer"
	}
	if len(tx.Input) >= 10 {
		selector := tx.Input[2:10]
		if sig, ok := abi.SignatureFor(selector); ok {
			method = sig
		} else {
			method = "0x" + selector
		}
	}

	to := tx.To
	if to == "" {
		to = "Contract Creation"
	}

	var gasUsedDisplay, feeDisplay any
	var gasPriceDisplay any
	if gasPrice, err := chain.ParseBig(tx.GasPrice); err == nil && tx.GasPrice != "" {
		gasPriceDisplay = formatGwei(gasPrice)
		if receipt != nil {
			if gasUsed, err := chain.ParseUint64(receipt.GasUsed); err == nil {
				gasUsedDisplay = formatGrouped(gasUsed)
				feeDisplay = formatFee(gasPrice, gasUsed)
			}
		}
	} else if receipt != nil {
		if gasUsed, err := chain.ParseUint64(receipt.GasUsed); err == nil {
			gasUsedDisplay = formatGrouped(gasUsed)
		}
	}

	var blockNumber any
	if tx.BlockNum != "" {
		if number, err := chain.ParseUint64(tx.BlockNum); err == nil {
			blockNumber = number
		}
	}

	success := "Pending"
	var logsCount any
	if receipt != nil {
		if receipt.Status == "0x1" {
			success = "Yes"
		} else {
			success = "No (Reverted)"
		}
		logsCount = len(receipt.Logs)
	}

	return Result{
		"status":       "completed",
		"chain":        e.def.Name,
		"tx_hash":      txHash,
		"from":         tx.From,
		"to":           to,
		"value":        formatEth(value),
		"method":       method,
		"gas_used":     gasUsedDisplay,
		"gas_price":    gasPriceDisplay,
		"fee":          feeDisplay,
		"block_number": blockNumber,
		"success":      success,
		"logs_count":   logsCount,
		"input_data":   formatBytes(inputSize),
		"basescan":     e.def.ExplorerTxURL(txHash),
	}, nil
}
