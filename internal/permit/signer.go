package permit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/diero-hl/agentnet/internal/abi"
	"github.com/diero-hl/agentnet/internal/chain"
	apperrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/pkg/logger"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	selectorNonces    = "0x7ecebe00"
	selectorBalanceOf = "0x70a08231"

	// DeadlineWindow 是签名授权的有效期。
	DeadlineWindow = time.Hour
)

// Signer 用本地私钥产出 EIP-2612 授权签名。链客户端仅用于读取
// 当前 nonce，签名本身完全离线。
type Signer struct {
	client chain.Client
	def    chain.Definition
	now    func() time.Time
}

// NewSigner 构造签名器。
func NewSigner(client chain.Client, def chain.Definition) *Signer {
	return &Signer{client: client, def: def, now: time.Now}
}

// Sign 对 amount（十进制代币数量，如 "0.001"）签出一张授权。
// 链上 nonce 读取失败时降级为 0 并打上 provisional 标记。
func (s *Signer) Sign(ctx context.Context, privateKeyHex, owner, spender, amount string) (*Permit, error) {
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "私钥格式非法")
	}

	value, err := amountToBaseUnits(amount, s.def.SettlementToken.Decimals)
	if err != nil {
		return nil, err
	}

	nonce, provisional := s.liveNonce(ctx, owner)
	deadline := big.NewInt(s.now().Add(DeadlineWindow).Unix())

	digest, err := permitDigest(s.def, owner, spender, value, nonce, deadline)
	if err != nil {
		return nil, err
	}

	sig, err := gethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("签名失败: %w", err)
	}
	sig[64] += 27

	return &Permit{
		Owner:            owner,
		Spender:          spender,
		Value:            value.String(),
		Nonce:            nonce.String(),
		Deadline:         deadline.String(),
		V:                int(sig[64]),
		R:                "0x" + hex.EncodeToString(sig[:32]),
		S:                "0x" + hex.EncodeToString(sig[32:64]),
		Signature:        "0x" + hex.EncodeToString(sig),
		AmountUSDC:       json.Number(amount),
		NonceProvisional: provisional,
	}, nil
}

// liveNonce 读取结算代币合约上 owner 当前的 permit nonce。
func (s *Signer) liveNonce(ctx context.Context, owner string) (*big.Int, bool) {
	result, err := tokenCall(ctx, s.client, s.def.SettlementToken.Address, selectorNonces, owner)
	if err != nil {
		logger.Named("permit").WarnContext(ctx, "读取链上 nonce 失败，降级为 0",
			"owner", owner, "error", err)
		return new(big.Int), true
	}
	nonce, ok := abi.DecodeUint(result)
	if !ok {
		return new(big.Int), true
	}
	return nonce, false
}

// tokenCall 对代币合约发起单地址参数的 eth_call。
func tokenCall(ctx context.Context, client chain.Client, token, selector, address string) (string, error) {
	padded := strings.ToLower(strings.TrimPrefix(address, "0x"))
	data := selector + strings.Repeat("0", 64-len(padded)) + padded

	raw, err := client.Call(ctx, "eth_call", map[string]string{"to": token, "data": data}, "latest")
	if err != nil {
		return "", err
	}
	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("解析 eth_call 返回失败: %w", err)
	}
	return result, nil
}

// amountToBaseUnits 将十进制数量换算为基础单位整数，四舍五入。
func amountToBaseUnits(amount string, decimals int) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("非法的金额: %q", amount))
	}
	if rat.Sign() < 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "金额不能为负")
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))

	// 半进位取整: floor((2n + d) / 2d)。
	num := new(big.Int).Mul(scaled.Num(), big.NewInt(2))
	num.Add(num, scaled.Denom())
	den := new(big.Int).Mul(scaled.Denom(), big.NewInt(2))
	return num.Quo(num, den), nil
}
