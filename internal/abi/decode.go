package abi

import (
	"encoding/hex"
	"math/big"
	"strings"
)

const wordHexLen = 64

// DecodeString 从 eth_call 的返回中启发式地提取字符串。
// 依次尝试三种布局：标准动态字符串（偏移+长度）、bytes32 定长字符串、
// 以及对前几个字为可打印片段的兜底扫描。全部失败时返回空串，从不报错。
func DecodeString(result string) string {
	code := strip(result)
	if len(code) < wordHexLen {
		return ""
	}

	if s := decodeDynamicString(code); s != "" {
		return s
	}
	if s := decodeBytes32String(code); s != "" {
		return s
	}
	return scanPrintableRun(code)
}

// DecodeUint 解析单个 uint256 返回值。
func DecodeUint(result string) (*big.Int, bool) {
	code := strip(result)
	if code == "" {
		return nil, false
	}
	value, ok := new(big.Int).SetString(code, 16)
	if !ok {
		return nil, false
	}
	return value, true
}

// DecodeBool 解析单个 bool 返回值。非零即真。
func DecodeBool(result string) (bool, bool) {
	value, ok := DecodeUint(result)
	if !ok {
		return false, false
	}
	return value.Sign() != 0, true
}

// decodeDynamicString 处理 offset(32/64) + length + data 的标准布局。
func decodeDynamicString(code string) string {
	offsetWord, ok := new(big.Int).SetString(code[:wordHexLen], 16)
	if !ok || !offsetWord.IsUint64() {
		return ""
	}
	offset := offsetWord.Uint64()
	if offset != 32 && offset != 64 {
		return ""
	}

	lengthStart := offset * 2
	if uint64(len(code)) < lengthStart+wordHexLen {
		return ""
	}
	lengthWord, ok := new(big.Int).SetString(code[lengthStart:lengthStart+wordHexLen], 16)
	if !ok || !lengthWord.IsUint64() {
		return ""
	}
	length := lengthWord.Uint64()
	if length == 0 || length > 255 {
		return ""
	}

	dataStart := lengthStart + wordHexLen
	dataEnd := dataStart + length*2
	if uint64(len(code)) < dataEnd {
		return ""
	}
	raw, err := hex.DecodeString(code[dataStart:dataEnd])
	if err != nil {
		return ""
	}
	if !allPrintable(raw) {
		return ""
	}
	return string(raw)
}

// decodeBytes32String 处理把短字符串直接塞进第一个字的旧式合约。
// bytes32 字符串以第一个 NUL 截断，NUL 之后的内容不参与解码。
func decodeBytes32String(code string) string {
	raw, err := hex.DecodeString(code[:wordHexLen])
	if err != nil {
		return ""
	}
	text := string(raw)
	if idx := strings.IndexByte(text, 0); idx >= 0 {
		text = text[:idx]
	}
	if text == "" || !allPrintable([]byte(text)) {
		return ""
	}
	return text
}

// scanPrintableRun 在前 4 个字内寻找长度不少于 2 的可打印片段。
func scanPrintableRun(code string) string {
	words := len(code) / wordHexLen
	if words > 4 {
		words = 4
	}
	for i := 0; i < words; i++ {
		raw, err := hex.DecodeString(code[i*wordHexLen : (i+1)*wordHexLen])
		if err != nil {
			continue
		}
		if run := longestPrintableRun(raw); len(run) >= 2 {
			return run
		}
	}
	return ""
}

func allPrintable(raw []byte) bool {
	for _, b := range raw {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return len(raw) > 0
}

func longestPrintableRun(raw []byte) string {
	best := ""
	start := -1
	for i, b := range raw {
		if b >= 0x20 && b <= 0x7e {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if i-start > len(best) {
				best = string(raw[start:i])
			}
			start = -1
		}
	}
	if start >= 0 && len(raw)-start > len(best) {
		best = string(raw[start:])
	}
	return best
}

func strip(result string) string {
	code := strings.TrimSpace(result)
	code = strings.TrimPrefix(strings.TrimPrefix(code, "0x"), "0X")
	return strings.ToLower(code)
}
