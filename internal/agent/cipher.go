package agent

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
)

const (
	cipherSalt     = "a2a-salt"
	cipherNonceLen = 16
	cipherTagLen   = 16
)

// Cipher 用对称加密保管代理的结算私钥。
// 密文格式为 iv:tag:ciphertext 的十六进制三段式。
type Cipher struct {
	key []byte
}

// NewCipher 从口令派生加密密钥。口令为空时返回错误，
// 缺省配置下不允许明文落盘。
func NewCipher(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "加密口令不能为空")
	}
	key, err := scrypt.Key([]byte(secret), []byte(cipherSalt), 16384, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("派生加密密钥失败: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt 加密明文。
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, cipherNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("生成随机 IV 失败: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-cipherTagLen]
	tag := sealed[len(sealed)-cipherTagLen:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt 解密三段式密文。
func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "密文格式非法")
	}
	nonce, errN := hex.DecodeString(parts[0])
	tag, errT := hex.DecodeString(parts[1])
	ciphertext, errC := hex.DecodeString(parts[2])
	if errN != nil || errT != nil || errC != nil || len(nonce) != cipherNonceLen || len(tag) != cipherTagLen {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "密文格式非法")
	}
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("解密失败: %w", err)
	}
	return string(plaintext), nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("初始化加密器失败: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, cipherNonceLen)
}
