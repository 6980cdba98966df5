package permit

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diero-hl/agentnet/internal/chain"
	apperrors "github.com/diero-hl/agentnet/internal/errors"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// fakeChain 按 eth_call 的选择器返回预置值。
type fakeChain struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
}

func newFakeChain() *fakeChain {
	return &fakeChain{responses: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeChain) key(method string, params []any) string {
	if method == "eth_call" && len(params) > 0 {
		if target, ok := params[0].(map[string]string); ok && len(target["data"]) >= 10 {
			return target["data"][:10]
		}
	}
	return method
}

func (f *fakeChain) Call(_ context.Context, method string, params ...any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.key(method, params)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if resp, ok := f.responses[key]; ok {
		return json.RawMessage(fmt.Sprintf("%q", resp)), nil
	}
	return json.RawMessage("null"), nil
}

func (f *fakeChain) Close() {}

func (f *fakeChain) setUint(selector string, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[selector] = fmt.Sprintf("0x%064x", value)
}

func (f *fakeChain) fail(selector string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[selector] = err
}

type stubDirectory map[string]string

func (d stubDirectory) WalletAddress(_ context.Context, agentID string) (string, error) {
	wallet, ok := d[agentID]
	if !ok {
		return "", apperrors.New(apperrors.CodeNotFound, "Agent not found")
	}
	return wallet, nil
}

type memoryLedger struct {
	mu   sync.Mutex
	used map[string]bool
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{used: map[string]bool{}}
}

func (l *memoryLedger) IsSignatureVerified(_ context.Context, signature string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[signature], nil
}

func (l *memoryLedger) ClaimSignature(_ context.Context, signature string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used[signature] {
		return false, nil
	}
	l.used[signature] = true
	return true, nil
}

type fixture struct {
	key      *ecdsa.PrivateKey
	owner    string
	spender  string
	client   *fakeChain
	signer   *Signer
	verifier *Verifier
	ledger   *memoryLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成私钥失败: %v", err)
	}
	owner := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	spender := "0x2222222222222222222222222222222222222222"

	client := newFakeChain()
	client.setUint(selectorNonces, 5)
	client.setUint(selectorBalanceOf, 1_000_000) // 1 USDC

	def := chain.DefaultDefinitions().Chains["base"]
	ledger := newMemoryLedger()
	return &fixture{
		key:      key,
		owner:    owner,
		spender:  spender,
		client:   client,
		signer:   NewSigner(client, def),
		verifier: NewVerifier(client, def, stubDirectory{"agent-1": owner}, ledger),
		ledger:   ledger,
	}
}

func (f *fixture) privateKeyHex() string {
	return fmt.Sprintf("%x", gethcrypto.FromECDSA(f.key))
}

func (f *fixture) verifyRequest(p *Permit) VerifyRequest {
	v := p.V
	return VerifyRequest{
		Owner:       p.Owner,
		Spender:     p.Spender,
		Value:       p.Value,
		Deadline:    p.Deadline,
		V:           &v,
		R:           p.R,
		S:           p.S,
		FromAgentID: "agent-1",
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.signer.Sign(ctx, f.privateKeyHex(), f.owner, f.spender, "0.001")
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	if p.Value != "1000" {
		t.Fatalf("0.001 USDC 应为 1000 基础单位，得到 %s", p.Value)
	}
	if p.Nonce != "5" {
		t.Fatalf("应使用链上 nonce 5，得到 %s", p.Nonce)
	}
	if p.NonceProvisional {
		t.Fatal("链上 nonce 可读时不应打 provisional 标记")
	}
	if len(p.Signature) != 132 || !strings.HasPrefix(p.Signature, "0x") {
		t.Fatalf("签名长度不符: %s", p.Signature)
	}
	if p.Signature != FullSignature(p.R, p.S, p.V) {
		t.Fatal("完整签名应等于 r+s+v 拼接")
	}

	verification, err := f.verifier.Verify(ctx, f.verifyRequest(p))
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if !verification.Valid || !verification.SignatureVerified {
		t.Fatalf("校验回执不符: %+v", verification)
	}
	if verification.Nonce != "5" {
		t.Fatalf("回执 nonce 不符: %s", verification.Nonce)
	}
	if verification.AmountUSDC != "0.001" {
		t.Fatalf("金额不符: %s", verification.AmountUSDC)
	}
	if verification.BalanceUSDC != "1" {
		t.Fatalf("余额不符: %s", verification.BalanceUSDC)
	}
	if !strings.HasPrefix(verification.PermitHash, "0x") || len(verification.PermitHash) != 66 {
		t.Fatalf("permit_hash 格式不符: %s", verification.PermitHash)
	}
}

func TestVerifyFailsAfterNonceAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.signer.Sign(ctx, f.privateKeyHex(), f.owner, f.spender, "0.001")
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}

	// 链上 nonce 前进后，旧签名必须失效。
	f.client.setUint(selectorNonces, 6)

	_, err = f.verifier.Verify(ctx, f.verifyRequest(p))
	if ReasonOf(err) != "invalid_signature" {
		t.Fatalf("期望 invalid_signature，得到 %v", err)
	}
}

func TestVerifyExpiredDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 让签名时刻在两小时前，一小时有效期已过。签名本身仍然有效。
	f.signer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	p, err := f.signer.Sign(ctx, f.privateKeyHex(), f.owner, f.spender, "0.001")
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}

	_, err = f.verifier.Verify(ctx, f.verifyRequest(p))
	if ReasonOf(err) != "permit_expired" {
		t.Fatalf("期望 permit_expired，得到 %v", err)
	}
}

func TestVerifyDuplicateSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.signer.Sign(ctx, f.privateKeyHex(), f.owner, f.spender, "0.001")
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}

	if _, err := f.verifier.Verify(ctx, f.verifyRequest(p)); err != nil {
		t.Fatalf("首次校验应通过: %v", err)
	}
	_, err = f.verifier.Verify(ctx, f.verifyRequest(p))
	if ReasonOf(err) != "duplicate_permit" {
		t.Fatalf("重复校验应返回 duplicate_permit，得到 %v", err)
	}
}

func TestVerifyConcurrentDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.signer.Sign(ctx, f.privateKeyHex(), f.owner, f.spender, "0.001")
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	req := f.verifyRequest(p)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.verifier.Verify(ctx, req)
		}(i)
	}
	wg.Wait()

	var successes, duplicates int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case ReasonOf(err) == "duplicate_permit":
			duplicates++
		default:
			t.Fatalf("意外的错误: %v", err)
		}
	}
	if successes != 1 || duplicates != 1 {
		t.Fatalf("并发校验应恰好一成一败: 成功 %d, 重复 %d", successes, duplicates)
	}
}

func TestVerifyMissingParameters(t *testing.T) {
	f := newFixture(t)
	_, err := f.verifier.Verify(context.Background(), VerifyRequest{Owner: f.owner, FromAgentID: "agent-1"})
	if ReasonOf(err) != "missing_parameters" {
		t.Fatalf("期望 missing_parameters，得到 %v", err)
	}
}

func TestVerifyOwnerMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.signer.Sign(ctx, f.privateKeyHex(), f.owner, f.spender, "0.001")
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	req := f.verifyRequest(p)
	req.Owner = "0x9999999999999999999999999999999999999999"

	_, err = f.verifier.Verify(ctx, req)
	if ReasonOf(err) != "owner_mismatch" {
		t.Fatalf("期望 owner_mismatch，得到 %v", err)
	}
}

func TestVerifyUnknownAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.signer.Sign(ctx, f.privateKeyHex(), f.owner, f.spender, "0.001")
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	req := f.verifyRequest(p)
	req.FromAgentID = "nobody"

	_, err = f.verifier.Verify(ctx, req)
	if ReasonOf(err) != "agent_not_found" {
		t.Fatalf("期望 agent_not_found，得到 %v", err)
	}
}

func TestVerifyInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.signer.Sign(ctx, f.privateKeyHex(), f.owner, f.spender, "5.0")
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}

	_, err = f.verifier.Verify(ctx, f.verifyRequest(p))
	if ReasonOf(err) != "insufficient_balance" {
		t.Fatalf("期望 insufficient_balance，得到 %v", err)
	}
	if !strings.Contains(err.Error(), "have 1") || !strings.Contains(err.Error(), "need 5") {
		t.Fatalf("错误信息应带余额详情: %v", err)
	}
}

func TestSignerProvisionalNonce(t *testing.T) {
	f := newFixture(t)
	f.client.fail(selectorNonces, fmt.Errorf("node unavailable"))

	p, err := f.signer.Sign(context.Background(), f.privateKeyHex(), f.owner, f.spender, "0.001")
	if err != nil {
		t.Fatalf("nonce 读取失败不应阻止签名: %v", err)
	}
	if p.Nonce != "0" || !p.NonceProvisional {
		t.Fatalf("降级 nonce 应为 0 且打标记: %s / %v", p.Nonce, p.NonceProvisional)
	}
}

func TestAmountToBaseUnitsRounding(t *testing.T) {
	cases := []struct {
		amount string
		want   string
	}{
		{"0.001", "1000"},
		{"1", "1000000"},
		{"0.0000015", "2"},  // 半进位
		{"0.0000014", "1"},
		{"0", "0"},
	}
	for _, tc := range cases {
		got, err := amountToBaseUnits(tc.amount, 6)
		if err != nil {
			t.Fatalf("amountToBaseUnits(%q) 报错: %v", tc.amount, err)
		}
		if got.String() != tc.want {
			t.Fatalf("amountToBaseUnits(%q) = %s, 期望 %s", tc.amount, got, tc.want)
		}
	}

	if _, err := amountToBaseUnits("abc", 6); err == nil {
		t.Fatal("非法金额应报错")
	}
	if _, err := amountToBaseUnits("-1", 6); err == nil {
		t.Fatal("负数金额应报错")
	}
}

func TestFullSignature(t *testing.T) {
	r := "0x" + strings.Repeat("11", 32)
	s := "0x" + strings.Repeat("22", 32)
	sig := FullSignature(r, s, 28)
	if len(sig) != 132 {
		t.Fatalf("签名长度不符: %d", len(sig))
	}
	if !strings.HasSuffix(sig, "1c") {
		t.Fatalf("v 编码不符: %s", sig)
	}
}
