package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"annotrack/internal/engine"
	"annotrack/internal/rate"
	"annotrack/internal/sched"
	"annotrack/pkg/registry"
)

var modes = map[string]bool{"segments": true, "document": true, "both": true}

var levels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if lv := strings.ToLower(cfg.Logging.Level); lv != "" && !levels[lv] {
		return fmt.Errorf("config: logging.level %q invalid", cfg.Logging.Level)
	}
	if cfg.Analyzer == "" {
		return errors.New("config: analyzer not set")
	}
	prov, ok := cfg.Provider[cfg.Analyzer]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.Analyzer)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.Analyzer)
	}
	if registry.Analyzer[prov.Client] == nil {
		return fmt.Errorf("config: analyzer client %q not registered", prov.Client)
	}
	lim := rate.Limits{RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq}
	if err := lim.Validate(); err != nil {
		return fmt.Errorf("config: provider %q limits: %w", cfg.Analyzer, err)
	}
	if m := effName(cfg.Mode, Defaults().Mode); !modes[m] {
		return fmt.Errorf("config: mode %q invalid (segments|document|both)", cfg.Mode)
	}
	s := cfg.Scheduler
	if s.DebounceMS < 0 || s.ThrottleMS < 0 || s.MinSegmentRunes < 0 || s.RequestTimeoutMS < 0 || s.BytesPerToken < 0 {
		return errors.New("config: scheduler values must be >= 0")
	}
	if s.ThrottleMS > 0 && s.DebounceMS > s.ThrottleMS {
		return fmt.Errorf("config: debounce_ms(%d) exceeds throttle_ms(%d)", s.DebounceMS, s.ThrottleMS)
	}
	if name := effName(cfg.Cache.Backend, Defaults().Cache.Backend); registry.Cache[name] == nil {
		return fmt.Errorf("config: cache backend %q not registered", name)
	}
	return nil
}

// Assemble 构造 engine.Components 与 engine.Settings（含限流 Gate）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 返回的 Components.Cache 由调用方负责关闭。
func Assemble(cfg Config) (engine.Components, engine.Settings, error) {
	if err := Validate(cfg); err != nil {
		return engine.Components{}, engine.Settings{}, err
	}

	prov := cfg.Provider[cfg.Analyzer]
	an, err := registry.Analyzer[prov.Client](prov.Options)
	if err != nil {
		return engine.Components{}, engine.Settings{}, fmt.Errorf("analyzer %q: %w", cfg.Analyzer, err)
	}
	cache, err := registry.Cache[effName(cfg.Cache.Backend, Defaults().Cache.Backend)](cfg.Cache.Options)
	if err != nil {
		return engine.Components{}, engine.Settings{}, fmt.Errorf("cache: %w", err)
	}

	comp := engine.Components{Cache: cache}
	switch effName(cfg.Mode, Defaults().Mode) {
	case "segments":
		comp.Segments = an
	case "document":
		comp.Document = an
	default:
		comp.Segments = an
		comp.Document = an
	}

	// 分组键默认从凭据派生（同一 key 的多个 provider 共享额度）；失败则退化为 provider 名称。
	key, derr := rate.DeriveKey(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.Analyzer)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	s := cfg.Scheduler
	set := engine.Settings{
		Sched: sched.Options{
			Debounce:        ms(s.DebounceMS),
			ThrottleFloor:   ms(s.ThrottleMS),
			ContextMargin:   s.ContextMargin,
			MinSegmentRunes: s.MinSegmentRunes,
			RequestTimeout:  ms(s.RequestTimeoutMS),
			Gate:            gate,
			GateKey:         key,
			Estimator:       rate.MakeEstimator(s.BytesPerToken),
		},
	}
	return comp, set, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
