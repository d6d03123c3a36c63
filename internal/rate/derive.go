package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DeriveKey 由 analyzer 客户端名与其原样 Options JSON 计算限流分组键：client:sha256(credential)。
// 凭据查找顺序：api_key → api_key_env 指向的环境变量 → endpoint（http 客户端无密钥时按端点分组）。
// mock/flaky 客户端缺省使用内置调试键。
func DeriveKey(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("rate: options for %s: %w", client, err)
		}
	}
	str := func(k string) string {
		s, _ := obj[k].(string)
		return strings.TrimSpace(s)
	}

	cred := str("api_key")
	if cred == "" {
		if env := str("api_key_env"); env != "" {
			cred = os.Getenv(env)
		}
	}
	switch client {
	case "mock", "flaky":
		if cred == "" {
			cred = "MOCK_DEBUG_KEY"
		}
	case "http":
		if cred == "" {
			cred = str("endpoint")
		}
	}
	if cred == "" {
		return "", fmt.Errorf("rate: missing api key for analyzer %s", client)
	}
	sum := sha256.Sum256([]byte(cred))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}
