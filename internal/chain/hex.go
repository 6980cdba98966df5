package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseBig 解析 0x 前缀的十六进制数量。空值与 "0x" 视为 0。
func ParseBig(quantity string) (*big.Int, error) {
	trimmed := strings.TrimSpace(quantity)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("非法的十六进制数量: %q", quantity)
	}
	return value, nil
}

// ParseUint64 解析 0x 前缀的十六进制数量为 uint64。
func ParseUint64(quantity string) (uint64, error) {
	value, err := ParseBig(quantity)
	if err != nil {
		return 0, err
	}
	if !value.IsUint64() {
		return 0, fmt.Errorf("数量 %q 超出 uint64 范围", quantity)
	}
	return value.Uint64(), nil
}

// FormatUnits 将基础单位整数按 decimals 转为十进制字符串，保留 places 位小数。
// 全程使用有理数运算，金额不经过浮点。
func FormatUnits(value *big.Int, decimals, places int) string {
	if value == nil {
		value = new(big.Int)
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat := new(big.Rat).SetFrac(value, denom)
	return rat.FloatString(places)
}

// GroupThousands 为十进制整数字符串加上千位分隔符。
func GroupThousands(number string) string {
	sign := ""
	if strings.HasPrefix(number, "-") {
		sign = "-"
		number = number[1:]
	}
	if len(number) <= 3 {
		return sign + number
	}
	var b strings.Builder
	lead := len(number) % 3
	if lead > 0 {
		b.WriteString(number[:lead])
	}
	for i := lead; i < len(number); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(number[i : i+3])
	}
	return sign + b.String()
}
