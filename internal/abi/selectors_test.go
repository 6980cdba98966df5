package abi

import (
	"strings"
	"testing"
)

func TestScanFindsKnownSelectors(t *testing.T) {
	bytecode := "0x6080604052" + "a9059cbb" + "deadbeef" + "70a08231" + "06fdde03"
	found := Scan(bytecode)

	want := map[string]bool{
		"name()":                    true,
		"balanceOf(address)":        true,
		"transfer(address,uint256)": true,
	}
	if len(found) != len(want) {
		t.Fatalf("期望命中 %d 个签名，得到 %v", len(want), found)
	}
	for _, sig := range found {
		if !want[sig] {
			t.Fatalf("意外的签名 %s", sig)
		}
	}
}

func TestScanPreservesCatalogOrder(t *testing.T) {
	bytecode := "d505accf" + "06fdde03"
	found := Scan(bytecode)
	if len(found) != 2 || found[0] != "name()" {
		t.Fatalf("结果应按目录顺序排列，得到 %v", found)
	}
}

func TestScanEmptyBytecode(t *testing.T) {
	if got := Scan(""); got != nil {
		t.Fatalf("空字节码应返回 nil，得到 %v", got)
	}
	if got := Scan("0x"); got != nil {
		t.Fatalf("0x 应返回 nil，得到 %v", got)
	}
}

func TestIsERC20(t *testing.T) {
	both := "0x" + selectorTransfer + selectorBalanceOf
	if !IsERC20(both) {
		t.Fatal("同时包含 transfer 与 balanceOf 应判定为 ERC20")
	}
	if IsERC20("0x" + selectorTransfer) {
		t.Fatal("缺少 balanceOf 不应判定为 ERC20")
	}
	if IsERC20("0x" + selectorBalanceOf) {
		t.Fatal("缺少 transfer 不应判定为 ERC20")
	}
	if IsERC20(strings.ToUpper("0x" + selectorTransfer + selectorBalanceOf)) != true {
		t.Fatal("大小写不应影响判定")
	}
}
