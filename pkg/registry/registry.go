package registry

import (
	"bytes"
	"encoding/json"

	"annotrack/pkg/contract"
	"annotrack/plugins/analyzer/flaky"
	"annotrack/plugins/analyzer/httpapi"
	"annotrack/plugins/analyzer/mock"
	oai "annotrack/plugins/analyzer/openai"
	sqlc "annotrack/plugins/cache/sqlite"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewAnalyzer 工厂签名：接收原样 JSON Options。
type NewAnalyzer func(raw json.RawMessage) (contract.Analyzer, error)

// NewCache 工厂签名：接收原样 JSON Options。返回 nil 表示仅使用内存缓存。
type NewCache func(raw json.RawMessage) (contract.ResultCache, error)

// Analyzer 工厂注册表（显式、零反射）。
var Analyzer = map[string]NewAnalyzer{
	// http: JSON over HTTP 分析服务
	"http": func(raw json.RawMessage) (contract.Analyzer, error) {
		var opts httpapi.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		a, err := httpapi.New(raw)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
	// openai: Chat Completions + JSON Schema
	"openai": func(raw json.RawMessage) (contract.Analyzer, error) {
		var opts oai.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		a, err := oai.New(raw)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
	// mock: 内置规则表，离线确定性
	"mock": func(raw json.RawMessage) (contract.Analyzer, error) {
		var opts mock.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		a, err := mock.New(raw)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
	// flaky: 按脚本注入故障
	"flaky": func(raw json.RawMessage) (contract.Analyzer, error) {
		var opts flaky.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		a, err := flaky.New(raw)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
}

// Cache 工厂注册表。
var Cache = map[string]NewCache{
	// memory: 仅会话内存（由 store 提供）
	"memory": func(raw json.RawMessage) (contract.ResultCache, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return nil, nil
	},
	// sqlite: 跨会话持久化
	"sqlite": func(raw json.RawMessage) (contract.ResultCache, error) {
		var opts sqlc.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		c, err := sqlc.New(&opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
}
