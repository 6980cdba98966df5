package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions 对应 configs/chains.yaml 的结构。
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition 描述一条链的端点与结算相关的元信息。
type Definition struct {
	Name            string            `yaml:"name"`
	RPCURL          string            `yaml:"rpc_url"`
	ChainID         uint64            `yaml:"chain_id"`
	NativeSymbol    string            `yaml:"native_symbol"`
	ExplorerBaseURL string            `yaml:"explorer_base_url"`
	SettlementToken Token             `yaml:"settlement_token"`
	TokenAliases    map[string]string `yaml:"token_aliases"`
}

// Token 描述用于结算的 ERC-20 代币及其 EIP-712 域信息。
type Token struct {
	Address       string `yaml:"address"`
	Symbol        string `yaml:"symbol"`
	Decimals      int    `yaml:"decimals"`
	DomainName    string `yaml:"domain_name"`
	DomainVersion string `yaml:"domain_version"`
}

// ResolveToken 将代币名称或地址映射为合约地址。
// 未知名称原样返回，由后续的输入校验兜底。
func (d Definition) ResolveToken(nameOrAddress string) string {
	trimmed := strings.TrimSpace(nameOrAddress)
	if trimmed == "" {
		return d.SettlementToken.Address
	}
	if alias, ok := d.TokenAliases[strings.ToLower(trimmed)]; ok {
		return alias
	}
	return trimmed
}

// ExplorerTxURL 返回交易在区块浏览器上的链接。
func (d Definition) ExplorerTxURL(txHash string) string {
	if d.ExplorerBaseURL == "" {
		return ""
	}
	return strings.TrimRight(d.ExplorerBaseURL, "/") + "/tx/" + txHash
}

// ExplorerAddressURL 返回地址在区块浏览器上的链接。
func (d Definition) ExplorerAddressURL(address string) string {
	if d.ExplorerBaseURL == "" {
		return ""
	}
	return strings.TrimRight(d.ExplorerBaseURL, "/") + "/address/" + address
}

// ExplorerTokenURL 返回代币在区块浏览器上的链接。
func (d Definition) ExplorerTokenURL(address string) string {
	if d.ExplorerBaseURL == "" {
		return ""
	}
	return strings.TrimRight(d.ExplorerBaseURL, "/") + "/token/" + address
}

// ExplorerBlockURL 返回区块在区块浏览器上的链接。
func (d Definition) ExplorerBlockURL(number uint64) string {
	if d.ExplorerBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/block/%d", strings.TrimRight(d.ExplorerBaseURL, "/"), number)
}

// LoadDefinitions 解析链配置 YAML。路径为空时返回内置的默认定义。
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultDefinitions(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	for name, def := range defs.Chains {
		defs.Chains[name] = applyTokenDefaults(def)
	}
	return defs, nil
}

// DefaultDefinitions 返回内置的 Base 主网定义，结算代币为 USDC。
func DefaultDefinitions() Definitions {
	return Definitions{
		Chains: map[string]Definition{
			"base": {
				Name:            "Base Mainnet",
				RPCURL:          "https://mainnet.base.org",
				ChainID:         8453,
				NativeSymbol:    "ETH",
				ExplorerBaseURL: "https://basescan.org",
				SettlementToken: Token{
					Address:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
					Symbol:        "USDC",
					Decimals:      6,
					DomainName:    "USD Coin",
					DomainVersion: "2",
				},
				TokenAliases: map[string]string{
					"usdc": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
					"weth": "0x4200000000000000000000000000000000000006",
					"eth":  "0x4200000000000000000000000000000000000006",
				},
			},
		},
	}
}

func applyTokenDefaults(def Definition) Definition {
	if def.SettlementToken.Decimals <= 0 {
		def.SettlementToken.Decimals = 6
	}
	if def.SettlementToken.DomainVersion == "" {
		def.SettlementToken.DomainVersion = "2"
	}
	if def.TokenAliases == nil {
		def.TokenAliases = map[string]string{}
	}
	if def.SettlementToken.Address != "" {
		alias := strings.ToLower(def.SettlementToken.Symbol)
		if alias != "" {
			if _, ok := def.TokenAliases[alias]; !ok {
				def.TokenAliases[alias] = def.SettlementToken.Address
			}
		}
	}
	return def
}
