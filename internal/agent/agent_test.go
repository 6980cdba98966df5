package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cipher, err := NewCipher("test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return NewService(NewMemoryStore(), cipher)
}

func TestServiceRegisterIssuesAPIKey(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	agent, apiKey, err := service.Register(ctx, RegisterRequest{
		Name:          "oracle-bot",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		Capabilities:  []string{"gas_estimate", "block_info"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.ID == "" || agent.Status != StatusActive {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if !strings.HasPrefix(apiKey, APIKeyPrefix) || len(apiKey) != len(APIKeyPrefix)+48 {
		t.Fatalf("unexpected api key format: %q", apiKey)
	}

	ok, err := service.VerifyAPIKey(ctx, agent.ID, apiKey)
	if err != nil || !ok {
		t.Fatalf("expected key to verify, ok=%v err=%v", ok, err)
	}
	ok, err = service.VerifyAPIKey(ctx, agent.ID, "a2a_wrong")
	if err != nil || ok {
		t.Fatalf("expected wrong key to fail, ok=%v err=%v", ok, err)
	}
}

func TestServiceRegisterDerivesWalletFromKey(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	// 私钥 0x01 对应的地址是固定的。
	agent, apiKey, err := service.Register(ctx, RegisterRequest{
		Name:       "keyed-bot",
		PrivateKey: "0000000000000000000000000000000000000000000000000000000000000001",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.EqualFold(agent.WalletAddress, "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf") {
		t.Fatalf("unexpected derived wallet: %s", agent.WalletAddress)
	}

	key, err := service.PrivateKey(ctx, agent.ID, apiKey)
	if err != nil {
		t.Fatalf("reveal key: %v", err)
	}
	if key != "0000000000000000000000000000000000000000000000000000000000000001" {
		t.Fatalf("round trip mismatch: %q", key)
	}

	if _, err := service.PrivateKey(ctx, agent.ID, "a2a_wrong"); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestServiceWalletAddressForUnknownAgent(t *testing.T) {
	service := newTestService(t)
	if _, err := service.WalletAddress(context.Background(), "missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceUpdateRequiresAuth(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	agent, apiKey, err := service.Register(ctx, RegisterRequest{Name: "updatable"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	name := "renamed"
	if _, err := service.Update(ctx, agent.ID, "a2a_wrong", Update{Name: &name}); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	status := StatusInactive
	updated, err := service.Update(ctx, agent.ID, apiKey, Update{Name: &name, Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" || updated.Status != StatusInactive {
		t.Fatalf("unexpected update result: %+v", updated)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	specs := []RegisterRequest{
		{Name: "gas-oracle", Capabilities: []string{"gas_estimate"}, Description: "estimates gas"},
		{Name: "tracer", Capabilities: []string{"tx_trace", "block_info"}},
		{Name: "walleteer", Capabilities: []string{"wallet_check"}, Description: "wallet analytics"},
	}
	for _, spec := range specs {
		if _, _, err := service.Register(ctx, spec); err != nil {
			t.Fatalf("register %s: %v", spec.Name, err)
		}
	}

	byCapability, err := service.List(ctx, ListFilter{Capability: "tx_trace"})
	if err != nil {
		t.Fatalf("list by capability: %v", err)
	}
	if len(byCapability) != 1 || byCapability[0].Name != "tracer" {
		t.Fatalf("unexpected capability result: %+v", byCapability)
	}

	bySearch, err := service.List(ctx, ListFilter{Search: "wallet"})
	if err != nil {
		t.Fatalf("list by search: %v", err)
	}
	if len(bySearch) != 1 || bySearch[0].Name != "walleteer" {
		t.Fatalf("unexpected search result: %+v", bySearch)
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.TopCapabilities) != 4 {
		t.Fatalf("expected 4 distinct capabilities, got %+v", stats.TopCapabilities)
	}
}

func TestCipherRoundTripAndTamper(t *testing.T) {
	cipher, err := NewCipher("secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	encrypted, err := cipher.Encrypt("hello")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(strings.Split(encrypted, ":")) != 3 {
		t.Fatalf("expected iv:tag:ciphertext format, got %q", encrypted)
	}

	plain, err := cipher.Decrypt(encrypted)
	if err != nil || plain != "hello" {
		t.Fatalf("round trip failed: %q %v", plain, err)
	}

	parts := strings.Split(encrypted, ":")
	parts[2] = strings.Repeat("00", len(parts[2])/2)
	if _, err := cipher.Decrypt(strings.Join(parts, ":")); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}

	if _, err := NewCipher("  "); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}
