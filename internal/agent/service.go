package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/pkg/logger"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RegisterRequest 描述一次代理注册。
type RegisterRequest struct {
	Name          string   `json:"name"`
	WalletAddress string   `json:"wallet_address"`
	Capabilities  []string `json:"capabilities"`
	Description   string   `json:"description"`
	EndpointURL   string   `json:"endpoint_url"`
	// PrivateKey 是可选的结算私钥，加密后托管。
	PrivateKey string `json:"private_key,omitempty"`
}

// Service 负责代理目录的注册、检索与鉴权。
type Service struct {
	store  Store
	cipher *Cipher
}

// NewService 构造代理服务。cipher 为 nil 时拒绝托管私钥。
func NewService(store Store, cipher *Cipher) *Service {
	return &Service{store: store, cipher: cipher}
}

// Register 注册新代理并签发 API key。密钥只在此处返回一次。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "代理名称不能为空")
	}

	wallet := strings.TrimSpace(req.WalletAddress)
	privateKey := strings.TrimSpace(req.PrivateKey)
	if wallet == "" && privateKey != "" {
		key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
		if err != nil {
			return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "私钥格式非法")
		}
		wallet = gethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	}

	creds := Credentials{}
	if privateKey != "" {
		if s.cipher == nil {
			return nil, "", xerrors.New(xerrors.CodeInitializationFailure, "未配置私钥加密器，无法托管私钥")
		}
		encrypted, err := s.cipher.Encrypt(privateKey)
		if err != nil {
			return nil, "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加密私钥失败")
		}
		creds.EncryptedPrivateKey = encrypted
	}

	apiKey, err := GenerateAPIKey()
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "签发 API key 失败")
	}
	creds.APIKeyHash = HashAPIKey(apiKey)

	agent := &Agent{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(req.Name),
		WalletAddress: wallet,
		Capabilities:  append([]string{}, req.Capabilities...),
		Status:        StatusActive,
		Description:   req.Description,
		EndpointURL:   req.EndpointURL,
	}
	if err := s.store.Create(ctx, agent, creds); err != nil {
		return nil, "", err
	}

	logger.Audit().Info("代理注册成功",
		slog.String("agent_id", agent.ID),
		slog.String("name", agent.Name),
		slog.String("wallet_address", agent.WalletAddress),
	)
	return agent, apiKey, nil
}

// Get 返回指定代理。
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的代理。
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Agent, error) {
	return s.store.List(ctx, filter)
}

// Update 局部更新代理信息，要求携带该代理的有效 API key。
func (s *Service) Update(ctx context.Context, id, apiKey string, update Update) (*Agent, error) {
	if err := s.Authenticate(ctx, id, apiKey); err != nil {
		return nil, err
	}
	if update.Status != nil && !IsValidStatus(*update.Status) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的代理状态")
	}
	return s.store.Update(ctx, id, update)
}

// Stats 返回目录统计。
func (s *Service) Stats(ctx context.Context) (DirectoryStats, error) {
	return s.store.Stats(ctx)
}

// VerifyAPIKey 校验 API key 是否属于指定代理。比较在常数时间内完成。
func (s *Service) VerifyAPIKey(ctx context.Context, agentID, apiKey string) (bool, error) {
	if apiKey == "" {
		return false, nil
	}
	creds, err := s.store.Credentials(ctx, agentID)
	if err != nil {
		return false, err
	}
	return matchesHash(apiKey, creds.APIKeyHash), nil
}

// Authenticate 校验 API key，失败时返回 UNAUTHORIZED。
func (s *Service) Authenticate(ctx context.Context, agentID, apiKey string) error {
	ok, err := s.VerifyAPIKey(ctx, agentID, apiKey)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.New(xerrors.CodeUnauthorized, "Invalid API key for this agent",
			xerrors.WithMetadata("agent_id", agentID))
	}
	return nil
}

// PrivateKey 返回托管的结算私钥明文，要求有效 API key。
// 未托管私钥时返回空串。
func (s *Service) PrivateKey(ctx context.Context, agentID, apiKey string) (string, error) {
	if err := s.Authenticate(ctx, agentID, apiKey); err != nil {
		return "", err
	}
	creds, err := s.store.Credentials(ctx, agentID)
	if err != nil {
		return "", err
	}
	if creds.EncryptedPrivateKey == "" {
		return "", nil
	}
	if s.cipher == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置私钥加密器")
	}
	logger.Audit().Warn("托管私钥被读取", slog.String("agent_id", agentID))
	return s.cipher.Decrypt(creds.EncryptedPrivateKey)
}

// WalletAddress 返回代理的收款钱包地址，供授权校验使用。
func (s *Service) WalletAddress(ctx context.Context, agentID string) (string, error) {
	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return agent.WalletAddress, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
