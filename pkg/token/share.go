package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DefaultShareTokenBytes 是分享令牌的默认随机字节数（256 bit）。
const DefaultShareTokenBytes = 32

// NewShareToken 生成一个 URL 安全、不可猜测的分享令牌。
// 与旧的 GenerateRandomString 不同，随机源失败时直接返回错误，不降级。
func NewShareToken(nBytes int) (string, error) {
	if nBytes < 16 {
		nBytes = DefaultShareTokenBytes
	}
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
