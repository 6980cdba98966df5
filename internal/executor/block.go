package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/diero-hl/agentnet/internal/chain"
)

var decimalBlockNumber = regexp.MustCompile(`^\d+$`)

// getBlock 读取指定区块，节点返回 null 视为区块不存在。
func (e *Executor) getBlock(ctx context.Context, tag string) (*chain.Block, error) {
	raw, err := e.client.Call(ctx, "eth_getBlockByNumber", tag, false)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("block %s not found", tag)
	}
	var block chain.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("解析区块返回失败: %w", err)
	}
	return &block, nil
}

// gasEstimate 汇报当前 gas 价格与常见操作的费用档位。
func (e *Executor) gasEstimate(ctx context.Context) (Result, error) {
	var (
		gasPriceHex         string
		block               *chain.Block
		gasPriceErr, blkErr error
	)
	fanout(
		func() { gasPriceHex, gasPriceErr = e.callString(ctx, "eth_gasPrice") },
		func() { block, blkErr = e.getBlock(ctx, "latest") },
	)
	if gasPriceErr != nil {
		return nil, gasPriceErr
	}
	if blkErr != nil {
		return nil, blkErr
	}

	gasPrice, err := chain.ParseBig(gasPriceHex)
	if err != nil {
		return nil, err
	}
	blockNum, err := chain.ParseUint64(block.Number)
	if err != nil {
		return nil, err
	}
	timestamp, err := chain.ParseUint64(block.Timestamp)
	if err != nil {
		return nil, err
	}
	gasUsed, err := chain.ParseUint64(block.GasUsed)
	if err != nil {
		return nil, err
	}
	gasLimit, err := chain.ParseUint64(block.GasLimit)
	if err != nil {
		return nil, err
	}

	var baseFee any
	if block.BaseFeePerGas != "" {
		fee, err := chain.ParseBig(block.BaseFeePerGas)
		if err == nil {
			baseFee = formatGwei(fee)
		}
	}

	return Result{
		"status":       "completed",
		"chain":        e.def.Name,
		"block_number": blockNum,
		"timestamp":    time.Unix(int64(timestamp), 0).UTC().Format(time.RFC3339),
		"gas_price":    formatGwei(gasPrice),
		"base_fee":     baseFee,
		"cost_estimates": map[string]string{
			"eth_transfer":   formatCost(gasPrice, gasEthTransfer),
			"erc20_transfer": formatCost(gasPrice, gasERC20Transfer),
			"nft_mint":       formatCost(gasPrice, gasNFTMint),
			"dex_swap":       formatCost(gasPrice, gasDexSwap),
		},
		"block_gas_used":  formatGrouped(gasUsed),
		"block_gas_limit": formatGrouped(gasLimit),
		"utilization":     formatUtilization(gasUsed, gasLimit),
		"txns_in_block":   len(block.Transactions),
	}, nil
}

// blockInfo 汇报单个区块的概要。输入为十进制区块号，缺省取最新区块。
func (e *Executor) blockInfo(ctx context.Context, input string) (Result, error) {
	tag := "latest"
	if decimalBlockNumber.MatchString(input) {
		number, err := strconv.ParseUint(input, 10, 64)
		if err != nil {
			return nil, errors.New("非法的区块号")
		}
		tag = fmt.Sprintf("0x%x", number)
	}

	block, err := e.getBlock(ctx, tag)
	if err != nil {
		return nil, err
	}

	blockNum, err := chain.ParseUint64(block.Number)
	if err != nil {
		return nil, err
	}
	timestamp, err := chain.ParseUint64(block.Timestamp)
	if err != nil {
		return nil, err
	}
	gasUsed, err := chain.ParseUint64(block.GasUsed)
	if err != nil {
		return nil, err
	}
	gasLimit, err := chain.ParseUint64(block.GasLimit)
	if err != nil {
		return nil, err
	}

	var baseFee any
	if block.BaseFeePerGas != "" {
		fee, err := chain.ParseBig(block.BaseFeePerGas)
		if err == nil {
			baseFee = formatGwei(fee)
		}
	}

	return Result{
		"status":            "completed",
		"chain":             e.def.Name,
		"block_number":      blockNum,
		"hash":              block.Hash,
		"parent_hash":       block.ParentHash,
		"timestamp":         time.Unix(int64(timestamp), 0).UTC().Format(time.RFC3339),
		"transaction_count": len(block.Transactions),
		"gas_used":          formatGrouped(gasUsed),
		"gas_limit":         formatGrouped(gasLimit),
		"utilization":       formatUtilization(gasUsed, gasLimit),
		"base_fee":          baseFee,
		"miner":             block.Miner,
		"basescan":          e.def.ExplorerBlockURL(blockNum),
	}, nil
}
