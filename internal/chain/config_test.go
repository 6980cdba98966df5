package chain

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultDefinitions(t *testing.T) {
	defs := DefaultDefinitions()
	base, ok := defs.Chains["base"]
	if !ok {
		t.Fatal("默认定义中应包含 base 链")
	}
	if base.ChainID != 8453 {
		t.Fatalf("Base 链 ID 应为 8453，得到 %d", base.ChainID)
	}
	if base.SettlementToken.Address != "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" {
		t.Fatalf("结算代币地址不符: %s", base.SettlementToken.Address)
	}
	if base.SettlementToken.Decimals != 6 {
		t.Fatalf("USDC 小数位应为 6，得到 %d", base.SettlementToken.Decimals)
	}
	if base.SettlementToken.DomainName != "USD Coin" || base.SettlementToken.DomainVersion != "2" {
		t.Fatalf("EIP-712 域信息不符: %s/%s", base.SettlementToken.DomainName, base.SettlementToken.DomainVersion)
	}
}

func TestResolveToken(t *testing.T) {
	base := DefaultDefinitions().Chains["base"]

	if got := base.ResolveToken("usdc"); got != base.SettlementToken.Address {
		t.Fatalf("usdc 别名解析错误: %s", got)
	}
	if got := base.ResolveToken("weth"); got != "0x4200000000000000000000000000000000000006" {
		t.Fatalf("weth 别名解析错误: %s", got)
	}
	// 空输入回退到结算代币。
	if got := base.ResolveToken("  "); got != base.SettlementToken.Address {
		t.Fatalf("空输入应回退到结算代币: %s", got)
	}
	// 未知名称原样返回。
	custom := "0x1234567890abcdef1234567890abcdef12345678"
	if got := base.ResolveToken(custom); got != custom {
		t.Fatalf("未知地址应原样返回: %s", got)
	}
}

func TestLoadDefinitionsFromFile(t *testing.T) {
	content := `
chains:
  devnet:
    name: Devnet
    rpc_url: http://localhost:8545
    chain_id: 31337
    native_symbol: ETH
    settlement_token:
      address: "0x00000000000000000000000000000000000000aa"
      symbol: TUSD
`
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("加载链配置失败: %v", err)
	}
	dev, ok := defs.Chains["devnet"]
	if !ok {
		t.Fatal("缺少 devnet 定义")
	}
	if dev.SettlementToken.Decimals != 6 {
		t.Fatalf("缺省小数位应为 6，得到 %d", dev.SettlementToken.Decimals)
	}
	if dev.TokenAliases["tusd"] != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("结算代币符号应自动注册为别名: %v", dev.TokenAliases)
	}
}

func TestLoadDefinitionsEmptyPathFallsBack(t *testing.T) {
	defs, err := LoadDefinitions("")
	if err != nil {
		t.Fatalf("空路径应返回默认定义: %v", err)
	}
	if _, ok := defs.Chains["base"]; !ok {
		t.Fatal("空路径应返回内置 base 定义")
	}
}

func TestExplorerURLs(t *testing.T) {
	base := DefaultDefinitions().Chains["base"]
	if got := base.ExplorerTxURL("0xabc"); got != "https://basescan.org/tx/0xabc" {
		t.Fatalf("交易链接不符: %s", got)
	}
	if got := base.ExplorerAddressURL("0xdef"); got != "https://basescan.org/address/0xdef" {
		t.Fatalf("地址链接不符: %s", got)
	}
}
