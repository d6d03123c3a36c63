package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "ANNOTRACK_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Analyzer 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Logging: Logging{Level: "info", Dir: "logs"},
		Mode:    "both",
		Scheduler: Scheduler{
			DebounceMS:       500,
			ThrottleMS:       2000,
			ContextMargin:    20,
			MinSegmentRunes:  3,
			RequestTimeoutMS: 30000,
			BytesPerToken:    4,
		},
		Cache: Cache{Backend: "memory"},
	}
}

// Load 按扩展名选择解析方式：.yaml/.yml 走 YAML，其余按 JSON。
func Load(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		return LoadYAML(raw)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 将 YAML 文档转换为 JSON 后按 LoadJSON 的严格规则解析。
// options 子树因此仍以原样 JSON 交给工厂。
func LoadYAML(raw []byte) (Config, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return Config{}, fmt.Errorf("config: yaml: %w", err)
	}
	if tree == nil {
		return Config{}, errors.New("config: yaml document empty")
	}
	b, err := json.Marshal(normalizeYAML(tree))
	if err != nil {
		return Config{}, fmt.Errorf("config: yaml to json: %w", err)
	}
	return LoadJSON("", b)
}

// normalizeYAML 把非字符串键的映射转为字符串键，便于 JSON 编码。
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalizeYAML(x)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[fmt.Sprint(k)] = normalizeYAML(x)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if strings.TrimSpace(over.Logging.Dir) != "" {
		out.Logging.Dir = strings.TrimSpace(over.Logging.Dir)
	}
	if strings.TrimSpace(over.Analyzer) != "" {
		out.Analyzer = strings.TrimSpace(over.Analyzer)
	}
	if strings.TrimSpace(over.Mode) != "" {
		out.Mode = strings.TrimSpace(over.Mode)
	}

	// Provider（按键逐字段覆盖：空 client/options、0 限额不覆盖）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = mergeProvider(prov[k], v)
		}
		out.Provider = prov
	}

	s := over.Scheduler
	if s.DebounceMS != 0 {
		out.Scheduler.DebounceMS = s.DebounceMS
	}
	if s.ThrottleMS != 0 {
		out.Scheduler.ThrottleMS = s.ThrottleMS
	}
	// context_margin：0 为未覆盖；负值表示不附加上下文（调度器按 0 处理）。
	if s.ContextMargin != 0 {
		out.Scheduler.ContextMargin = s.ContextMargin
	}
	if s.MinSegmentRunes != 0 {
		out.Scheduler.MinSegmentRunes = s.MinSegmentRunes
	}
	if s.RequestTimeoutMS != 0 {
		out.Scheduler.RequestTimeoutMS = s.RequestTimeoutMS
	}
	if s.BytesPerToken != 0 {
		out.Scheduler.BytesPerToken = s.BytesPerToken
	}

	if strings.TrimSpace(over.Cache.Backend) != "" {
		out.Cache.Backend = strings.TrimSpace(over.Cache.Backend)
	}
	if len(over.Cache.Options) > 0 {
		out.Cache.Options = cloneRaw(over.Cache.Options)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 ANNOTRACK_；集合之外的键忽略。
// 支持：LOG_LEVEL, LOG_DIR, ANALYZER, MODE, SCHEDULER_*, CACHE_BACKEND, CACHE_OPTIONS_JSON
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(envPrefix) {
			continue
		}
		nk := strings.TrimPrefix(kv[:eq], envPrefix)
		val := kv[eq+1:]
		switch nk {
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LOG_DIR":
			over.Logging.Dir = strings.TrimSpace(val)
		case "ANALYZER":
			over.Analyzer = strings.TrimSpace(val)
		case "MODE":
			over.Mode = strings.TrimSpace(val)
		case "SCHEDULER_DEBOUNCE_MS":
			if v, err := atoi(val); err == nil {
				over.Scheduler.DebounceMS = v
			}
		case "SCHEDULER_THROTTLE_MS":
			if v, err := atoi(val); err == nil {
				over.Scheduler.ThrottleMS = v
			}
		case "SCHEDULER_CONTEXT_MARGIN":
			if v, err := atoi(val); err == nil {
				if v == 0 {
					v = -1
				}
				over.Scheduler.ContextMargin = v
			}
		case "SCHEDULER_MIN_SEGMENT_RUNES":
			if v, err := atoi(val); err == nil {
				over.Scheduler.MinSegmentRunes = v
			}
		case "SCHEDULER_REQUEST_TIMEOUT_MS":
			if v, err := atoi(val); err == nil {
				over.Scheduler.RequestTimeoutMS = v
			}
		case "SCHEDULER_BYTES_PER_TOKEN":
			if v, err := atoi(val); err == nil {
				over.Scheduler.BytesPerToken = v
			}
		case "CACHE_BACKEND":
			over.Cache.Backend = strings.TrimSpace(val)
		case "CACHE_OPTIONS_JSON":
			if strings.TrimSpace(val) != "" {
				over.Cache.Options = json.RawMessage(val)
			}
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.ToLower(strings.TrimSpace(parts[1]))
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv := strings.TrimSpace(val); tv != "" {
					p.Client = tv
					changed = true
				}
			case "LIMITS_RPM":
				if v, err := atoi(val); err == nil {
					p.Limits.RPM = v
					changed = true
				}
			case "LIMITS_TPM":
				if v, err := atoi(val); err == nil {
					p.Limits.TPM = v
					changed = true
				}
			case "LIMITS_MAX_TOKENS_PER_REQ":
				if v, err := atoi(val); err == nil {
					p.Limits.MaxTokensPerReq = v
					changed = true
				}
			case "OPTIONS_JSON":
				// 空值视为未设置，避免清空现有配置
				if strings.TrimSpace(val) != "" {
					if !json.Valid([]byte(val)) {
						return Config{}, fmt.Errorf("config: %sPROVIDER__%s__OPTIONS_JSON is not valid JSON", envPrefix, parts[1])
					}
					p.Options = json.RawMessage(val)
					changed = true
				}
			}
			if changed {
				prov[name] = p
			}
		}
	}
	if over.Cache.Options != nil && !json.Valid(over.Cache.Options) {
		return Config{}, fmt.Errorf("config: %sCACHE_OPTIONS_JSON is not valid JSON", envPrefix)
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func mergeProvider(base, over Provider) Provider {
	out := base
	if strings.TrimSpace(over.Client) != "" {
		out.Client = strings.TrimSpace(over.Client)
	}
	if len(over.Options) > 0 {
		out.Options = cloneRaw(over.Options)
	}
	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		out.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		out.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
