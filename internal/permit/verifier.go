package permit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/diero-hl/agentnet/internal/abi"
	"github.com/diero-hl/agentnet/internal/chain"
	apperrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/pkg/logger"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Directory 查询代理的收款钱包地址。代理不存在时返回 NOT_FOUND 错误。
type Directory interface {
	WalletAddress(ctx context.Context, agentID string) (string, error)
}

// SignatureLedger 记录已通过校验的签名，为重放检查提供原子的占用语义。
type SignatureLedger interface {
	IsSignatureVerified(ctx context.Context, signature string) (bool, error)
	// ClaimSignature 占用签名。已被占用时返回 false。
	ClaimSignature(ctx context.Context, signature string) (bool, error)
}

// VerifyRequest 是授权校验的入参，字段名与线上的请求体一致。
type VerifyRequest struct {
	Owner       string `json:"owner"`
	Spender     string `json:"spender"`
	Value       string `json:"value"`
	Deadline    string `json:"deadline"`
	V           *int   `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
	FromAgentID string `json:"from_agent_id"`
}

// Verification 是校验成功的回执。
type Verification struct {
	Valid             bool        `json:"valid"`
	SignatureVerified bool        `json:"signature_verified"`
	Owner             string      `json:"owner"`
	Spender           string      `json:"spender"`
	AmountUSDC        json.Number `json:"amount_usdc"`
	BalanceUSDC       json.Number `json:"balance_usdc"`
	Nonce             string      `json:"nonce"`
	Deadline          int64       `json:"deadline"`
	DeadlineUTC       string      `json:"deadline_utc"`
	PermitHash        string      `json:"permit_hash"`
	Chain             string      `json:"chain"`
	Token             string      `json:"token"`
	Gasless           bool        `json:"gasless"`
}

// Verifier 对授权做六步顺序校验。校验必须串行执行，第一个失败即返回，
// 不同失败对应不同错误码。
type Verifier struct {
	client    chain.Client
	def       chain.Definition
	directory Directory
	ledger    SignatureLedger
	now       func() time.Time
}

// NewVerifier 构造校验器。
func NewVerifier(client chain.Client, def chain.Definition, directory Directory, ledger SignatureLedger) *Verifier {
	return &Verifier{client: client, def: def, directory: directory, ledger: ledger, now: time.Now}
}

// Verify 按固定顺序校验授权：参数完整性、owner 与代理钱包一致、
// 签名未被使用过、EIP-712 签名对得上链上实时 nonce、余额足够、未过期。
// 通过后原子占用签名并返回回执。链上读取失败时整体失败，不放行。
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	if req.Owner == "" || req.Spender == "" || req.Value == "" || req.Deadline == "" ||
		req.V == nil || req.R == "" || req.S == "" {
		return nil, apperrors.New(CodeMissingParameters, "Missing permit parameters")
	}

	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, apperrors.New(CodeMissingParameters, fmt.Sprintf("非法的授权金额: %q", req.Value))
	}
	deadline, err := strconv.ParseInt(req.Deadline, 10, 64)
	if err != nil {
		return nil, apperrors.New(CodeMissingParameters, fmt.Sprintf("非法的截止时间: %q", req.Deadline))
	}

	wallet, err := v.directory.WalletAddress(ctx, req.FromAgentID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(wallet, req.Owner) {
		return nil, apperrors.New(CodeOwnerMismatch, "Permit owner does not match agent wallet",
			apperrors.WithMetadata("agent_id", req.FromAgentID))
	}

	fullSig := FullSignature(req.R, req.S, *req.V)
	used, err := v.ledger.IsSignatureVerified(ctx, fullSig)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "查询签名记录失败")
	}
	if used {
		v.auditReplay(ctx, req, fullSig)
		return nil, apperrors.New(CodeDuplicate, "Duplicate permit: this signature was already verified")
	}

	// 对链上实时 nonce 做恢复校验。nonce 已前进的旧签名在这里失效。
	nonce, err := v.onChainNonce(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if err := v.recoverAndCompare(req, value, nonce, big.NewInt(deadline)); err != nil {
		return nil, err
	}

	balance, err := v.onChainBalance(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(value) < 0 {
		decimals := v.def.SettlementToken.Decimals
		return nil, apperrors.New(CodeInsufficientBalance, fmt.Sprintf(
			"Insufficient %s balance: have %s, need %s",
			v.def.SettlementToken.Symbol,
			trimAmount(chain.FormatUnits(balance, decimals, decimals)),
			trimAmount(chain.FormatUnits(value, decimals, decimals))))
	}

	if deadline < v.now().Unix() {
		return nil, apperrors.New(CodeExpired, "Permit deadline has expired")
	}

	claimed, err := v.ledger.ClaimSignature(ctx, fullSig)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "占用签名失败")
	}
	if !claimed {
		v.auditReplay(ctx, req, fullSig)
		return nil, apperrors.New(CodeDuplicate, "Duplicate permit: this signature was already verified")
	}

	decimals := v.def.SettlementToken.Decimals
	return &Verification{
		Valid:             true,
		SignatureVerified: true,
		Owner:             req.Owner,
		Spender:           req.Spender,
		AmountUSDC:        json.Number(trimAmount(chain.FormatUnits(value, decimals, decimals))),
		BalanceUSDC:       json.Number(trimAmount(chain.FormatUnits(balance, decimals, decimals))),
		Nonce:             nonce.String(),
		Deadline:          deadline,
		DeadlineUTC:       time.Unix(deadline, 0).UTC().Format(time.RFC3339),
		PermitHash:        v.permitHash(req, value, nonce, deadline),
		Chain:             v.def.Name,
		Token:             v.def.SettlementToken.Symbol,
		Gasless:           true,
	}, nil
}

func (v *Verifier) onChainNonce(ctx context.Context, owner string) (*big.Int, error) {
	result, err := tokenCall(ctx, v.client, v.def.SettlementToken.Address, selectorNonces, owner)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeChainTransport, err, "读取链上 nonce 失败")
	}
	nonce, ok := abi.DecodeUint(result)
	if !ok {
		return nil, apperrors.New(apperrors.CodeChainRPC, "链上 nonce 返回无法解析")
	}
	return nonce, nil
}

func (v *Verifier) onChainBalance(ctx context.Context, owner string) (*big.Int, error) {
	result, err := tokenCall(ctx, v.client, v.def.SettlementToken.Address, selectorBalanceOf, owner)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeChainTransport, err, "读取链上余额失败")
	}
	balance, ok := abi.DecodeUint(result)
	if !ok {
		return nil, apperrors.New(apperrors.CodeChainRPC, "链上余额返回无法解析")
	}
	return balance, nil
}

// recoverAndCompare 从 v/r/s 恢复签名人并与 owner 比对。
func (v *Verifier) recoverAndCompare(req VerifyRequest, value, nonce, deadline *big.Int) error {
	digest, err := permitDigest(v.def, req.Owner, req.Spender, value, nonce, deadline)
	if err != nil {
		return apperrors.Wrap(CodeInvalidSignature, err, "Invalid permit signature")
	}

	rBytes, errR := hex.DecodeString(strings.TrimPrefix(req.R, "0x"))
	sBytes, errS := hex.DecodeString(strings.TrimPrefix(req.S, "0x"))
	recoveryID := *req.V - 27
	if errR != nil || errS != nil || len(rBytes) != 32 || len(sBytes) != 32 || recoveryID < 0 || recoveryID > 1 {
		return apperrors.New(CodeInvalidSignature, "Invalid permit signature: malformed v/r/s")
	}

	sig := make([]byte, 65)
	copy(sig[:32], rBytes)
	copy(sig[32:64], sBytes)
	sig[64] = byte(recoveryID)

	pub, err := gethcrypto.SigToPub(digest, sig)
	if err != nil {
		return apperrors.Wrap(CodeInvalidSignature, err, "Invalid permit signature")
	}
	recovered := gethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), req.Owner) {
		return apperrors.New(CodeInvalidSignature, "Invalid permit signature: EIP-712 verification failed")
	}
	return nil
}

// permitHash 对授权全量字段做 SHA-256，作为结算回执的引用。
func (v *Verifier) permitHash(req VerifyRequest, value, nonce *big.Int, deadline int64) string {
	payload := struct {
		Owner    string `json:"owner"`
		Spender  string `json:"spender"`
		Value    string `json:"value"`
		Nonce    string `json:"nonce"`
		Deadline string `json:"deadline"`
		V        int    `json:"v"`
		R        string `json:"r"`
		S        string `json:"s"`
		Chain    uint64 `json:"chain"`
	}{
		Owner:    req.Owner,
		Spender:  req.Spender,
		Value:    value.String(),
		Nonce:    nonce.String(),
		Deadline: strconv.FormatInt(deadline, 10),
		V:        *req.V,
		R:        req.R,
		S:        req.S,
		Chain:    v.def.ChainID,
	}
	encoded, _ := json.Marshal(payload)
	sum := sha256.Sum256(encoded)
	return "0x" + hex.EncodeToString(sum[:])
}

// auditReplay 把重放尝试写进审计日志。
func (v *Verifier) auditReplay(ctx context.Context, req VerifyRequest, fullSig string) {
	digest := sha256.Sum256([]byte(fullSig))
	logger.Audit().WarnContext(ctx, "permit replay rejected",
		"agent_id", req.FromAgentID,
		"owner", req.Owner,
		"signature_sha256", hex.EncodeToString(digest[:8]))
}

// trimAmount 去掉定点字符串的多余尾零。
func trimAmount(amount string) string {
	if !strings.Contains(amount, ".") {
		return amount
	}
	amount = strings.TrimRight(amount, "0")
	return strings.TrimSuffix(amount, ".")
}
