package websub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader 是推送请求携带签名的头部。
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// Sign 对原始请求体计算 HMAC-SHA256，返回 "sha256=<hex>"。secret 为空时返回空串。
func Sign(secret string, body []byte) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 供接收方校验签名头，使用常量时间比较。
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
