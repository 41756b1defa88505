package cache

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// ETagFor 基于正文内容生成强 ETag（带引号的 BLAKE3 摘要前 32 位十六进制）。
func ETagFor(body []byte) string {
	sum := blake3.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// etagMatches 比较 If-None-Match 与存储的 ETag，支持 W/ 前缀与逗号分隔的多个值。
func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || stripWeak(candidate) == stripWeak(etag) {
			return true
		}
	}
	return false
}

func stripWeak(tag string) string {
	if strings.HasPrefix(tag, "W/") || strings.HasPrefix(tag, "w/") {
		return tag[2:]
	}
	return tag
}
