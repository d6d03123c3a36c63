package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，会话期间不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Logging Logging `json:"logging"`

	// Analyzer: 选中的 provider 名称。
	Analyzer string              `json:"analyzer"`
	Provider map[string]Provider `json:"provider"`

	// Mode: 分析方式 segments|document|both；空则 both。
	Mode string `json:"mode"`

	Scheduler Scheduler `json:"scheduler"`
	Cache     Cache     `json:"cache"`
}

// Logging: 日志等级与目录；轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// Scheduler: 请求调度参数（毫秒/rune）。0 表示不覆盖。
type Scheduler struct {
	DebounceMS       int `json:"debounce_ms"`
	ThrottleMS       int `json:"throttle_ms"`
	ContextMargin    int `json:"context_margin"`
	MinSegmentRunes  int `json:"min_segment_runes"`
	RequestTimeoutMS int `json:"request_timeout_ms"`
	BytesPerToken    int `json:"bytes_per_token"`
}

// Cache: 二级结果缓存后端与其原样 JSON Options。
type Cache struct {
	Backend string          `json:"backend"`
	Options json.RawMessage `json:"options"`
}
