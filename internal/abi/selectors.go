package abi

import "strings"

// Selector 表示一个 4 字节函数选择器及其人类可读签名。
type Selector struct {
	ID        string
	Signature string
}

// KnownSelectors 是合约分析使用的固定选择器目录，按常见程度排序。
// 匹配方式是字节码子串检索，存在误报与漏报的可能，结果仅作启发式参考。
var KnownSelectors = []Selector{
	{"06fdde03", "name()"},
	{"95d89b41", "symbol()"},
	{"313ce567", "decimals()"},
	{"18160ddd", "totalSupply()"},
	{"70a08231", "balanceOf(address)"},
	{"dd62ed3e", "allowance(address,address)"},
	{"a9059cbb", "transfer(address,uint256)"},
	{"23b872dd", "transferFrom(address,address,uint256)"},
	{"095ea7b3", "approve(address,uint256)"},
	{"8da5cb5b", "owner()"},
	{"5c975abb", "paused()"},
	{"f2fde38b", "transferOwnership(address)"},
	{"715018a6", "renounceOwnership()"},
	{"3644e515", "DOMAIN_SEPARATOR()"},
	{"d505accf", "permit(address,address,uint256,uint256,uint8,bytes32,bytes32)"},
}

const (
	selectorTransfer  = "a9059cbb"
	selectorBalanceOf = "70a08231"
)

// Scan 在字节码中检索已知选择器，返回命中的函数签名（按目录顺序）。
func Scan(bytecode string) []string {
	code := normalize(bytecode)
	if code == "" {
		return nil
	}
	var found []string
	for _, sel := range KnownSelectors {
		if strings.Contains(code, sel.ID) {
			found = append(found, sel.Signature)
		}
	}
	return found
}

// IsERC20 判断字节码是否同时包含 transfer 与 balanceOf 选择器。
func IsERC20(bytecode string) bool {
	code := normalize(bytecode)
	return strings.Contains(code, selectorTransfer) && strings.Contains(code, selectorBalanceOf)
}

// SignatureFor 返回 4 字节选择器对应的已知函数签名。
func SignatureFor(selector string) (string, bool) {
	id := normalize(selector)
	for _, sel := range KnownSelectors {
		if sel.ID == id {
			return sel.Signature, true
		}
	}
	return "", false
}

func normalize(bytecode string) string {
	code := strings.TrimSpace(bytecode)
	code = strings.TrimPrefix(strings.TrimPrefix(code, "0x"), "0X")
	return strings.ToLower(code)
}
