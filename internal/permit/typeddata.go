package permit

import (
	"fmt"
	"math/big"

	"github.com/diero-hl/agentnet/internal/chain"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// typedData 按 EIP-2612 组装 Permit 的 EIP-712 结构。
// 域信息取自链定义中的结算代币配置。
func typedData(def chain.Definition, owner, spender string, value, nonce, deadline *big.Int) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": []apitypes.Type{
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              def.SettlementToken.DomainName,
			Version:           def.SettlementToken.DomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(def.ChainID)),
			VerifyingContract: def.SettlementToken.Address,
		},
		Message: apitypes.TypedDataMessage{
			"owner":    owner,
			"spender":  spender,
			"value":    (*math.HexOrDecimal256)(value),
			"nonce":    (*math.HexOrDecimal256)(nonce),
			"deadline": (*math.HexOrDecimal256)(deadline),
		},
	}
}

// permitDigest 计算待签名的 EIP-712 摘要。
func permitDigest(def chain.Definition, owner, spender string, value, nonce, deadline *big.Int) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(typedData(def, owner, spender, value, nonce, deadline))
	if err != nil {
		return nil, fmt.Errorf("计算 EIP-712 摘要失败: %w", err)
	}
	return digest, nil
}
