package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock 分析器与合理限额（本地/离线调试友好）；
// - 列出其余内置分析器的全部选项键，值可为空/默认；
// - 缓存默认仅内存。
func DefaultTemplateConfig() Config {
	d := Defaults()
	return Config{
		Logging:   d.Logging,
		Analyzer:  "mock",
		Mode:      d.Mode,
		Scheduler: d.Scheduler,
		Cache:     Cache{Backend: "memory", Options: json.RawMessage(`{}`)},
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"api_key":"","latency_ms":0,"rules":[],"max_sentence_words":30}`),
				Limits:  Limits{RPM: 120, TPM: 60000, MaxTokensPerReq: 4096},
			},
			"http": {
				Client: "http",
				Options: json.RawMessage(`{
  "endpoint": "http://localhost:3000/api",
  "document_path": "/analyze",
  "segment_path": "/feedback",
  "api_key_env": "",
  "api_key": "",
  "timeout_seconds": 60,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 60, TPM: 0, MaxTokensPerReq: 0},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "level": "",
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
			},
		},
	}
}
