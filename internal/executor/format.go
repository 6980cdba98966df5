package executor

import (
	"math/big"
	"strings"

	"github.com/diero-hl/agentnet/internal/chain"
)

// Gas 档位来自主流操作的经验值，用于估算展示。
const (
	gasEthTransfer   = 21000
	gasERC20Transfer = 65000
	gasNFTMint       = 120000
	gasDexSwap       = 180000
)

// formatEth 将 wei 格式化为 6 位小数的 ETH 字符串。
func formatEth(wei *big.Int) string {
	return chain.FormatUnits(wei, 18, 6) + " ETH"
}

// formatGwei 将 wei 格式化为 4 位小数的 Gwei 字符串。
func formatGwei(wei *big.Int) string {
	return chain.FormatUnits(wei, 9, 4) + " Gwei"
}

// formatCost 估算一笔操作的费用，返回 "0.00000042 ETH (21,000 gas)" 形式。
func formatCost(gasPriceWei *big.Int, gas int64) string {
	cost := new(big.Int).Mul(gasPriceWei, big.NewInt(gas))
	return chain.FormatUnits(cost, 18, 8) + " ETH (" + chain.GroupThousands(big.NewInt(gas).String()) + " gas)"
}

// formatFee 按实际 gasUsed 计算手续费。
func formatFee(gasPriceWei *big.Int, gasUsed uint64) string {
	fee := new(big.Int).Mul(gasPriceWei, new(big.Int).SetUint64(gasUsed))
	return chain.FormatUnits(fee, 18, 8) + " ETH"
}

// formatUtilization 返回 gasUsed/gasLimit 的一位小数百分比。
func formatUtilization(gasUsed, gasLimit uint64) string {
	if gasLimit == 0 {
		return "0.0%"
	}
	rat := new(big.Rat).SetFrac(
		new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), big.NewInt(100)),
		new(big.Int).SetUint64(gasLimit),
	)
	return rat.FloatString(1) + "%"
}

// formatGrouped 将 uint64 转为带千位分隔符的十进制。
func formatGrouped(n uint64) string {
	return chain.GroupThousands(new(big.Int).SetUint64(n).String())
}

// formatSupply 将代币总量按小数位换算为带千位分隔符的可读形式。
// 未知小数位时原样输出基础单位。
func formatSupply(raw *big.Int, decimals int) string {
	if decimals < 0 {
		return raw.String()
	}
	formatted := chain.FormatUnits(raw, decimals, 2)
	intPart, fracPart, found := strings.Cut(formatted, ".")
	grouped := chain.GroupThousands(intPart)
	if !found || fracPart == "00" {
		return grouped
	}
	return grouped + "." + fracPart
}

// formatBytes 返回 "12,345 bytes" 形式的字节数。
func formatBytes(n int) string {
	return chain.GroupThousands(big.NewInt(int64(n)).String()) + " bytes"
}
