package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyPrefix 标识本系统签发的代理密钥。
const APIKeyPrefix = "a2a_"

// GenerateAPIKey 生成一把新的代理 API key。密钥只在签发时返回一次，
// 存储层只保留其哈希。
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成 API key 失败: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HashAPIKey 返回密钥的 SHA-256 十六进制摘要。
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// matchesHash 用常数时间比较密钥与存储的哈希。
func matchesHash(key, storedHash string) bool {
	if key == "" || storedHash == "" {
		return false
	}
	stored, err := hex.DecodeString(strings.TrimSpace(storedHash))
	if err != nil {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	return subtle.ConstantTimeCompare(sum[:], stored) == 1
}
