package testdata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cfgpkg "annotrack/internal/config"
	"annotrack/internal/diag"
	"annotrack/internal/engine"
	"annotrack/pkg/contract"
)

// baseConfig 构造可运行的最小配置（短去抖，无限流）。
func baseConfig(name, client string, opts string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Logging.Level = "error"
	cfg.Analyzer = name
	cfg.Mode = "segments"
	cfg.Scheduler.DebounceMS = 5
	cfg.Scheduler.ThrottleMS = 20
	cfg.Provider = map[string]cfgpkg.Provider{
		name: {Client: client, Options: json.RawMessage(opts)},
	}
	return cfg
}

// startEngine 装配并启动会话；返回的清理函数关闭会话与缓存。
func startEngine(t *testing.T, cfg cfgpkg.Config) (*engine.Engine, func()) {
	t.Helper()
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	var sink strings.Builder
	e := engine.New(comp, set, diag.NewWriterLogger("e2e", "error", &sink))
	return e, func() {
		e.Close()
		if comp.Cache != nil {
			_ = comp.Cache.Close()
		}
	}
}

func find(as []contract.Annotation, src string) (contract.Annotation, bool) {
	for _, a := range as {
		if a.SourceText == src {
			return a, true
		}
	}
	return contract.Annotation{}, false
}

func TestE2EEditConverges(t *testing.T) {
	e, done := startEngine(t, baseConfig("mock", "mock", `{}`))
	defer done()
	if _, err := e.Load(contract.Paragraphs("He don't care.", "I received it.")); err != nil {
		t.Fatalf("load: %v", err)
	}
	e.Wait()
	if a, ok := find(e.Active(), "He don't"); !ok || a.Start != 0 || a.End != 8 {
		t.Fatalf("首次分析缺少 grammar 批注: %+v", e.Active())
	}
	// received → recieved：先删后插，两次编辑在同一去抖窗口内合并
	if _, err := e.Edit(contract.Delete(20, 2)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.Edit(contract.Insert(20, "ie")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	e.Wait()
	if got := e.Snapshot().Text; !strings.HasPrefix(got, "He don't care.\nI recieved it.") {
		t.Fatalf("文本错误: %q", got)
	}
	a, ok := find(e.Active(), "recieved")
	if !ok || a.Kind != contract.KindSpelling || a.Start != 17 || a.End != 25 {
		t.Fatalf("缺少 spelling 批注: %+v", e.Active())
	}
	if _, ok := find(e.Active(), "He don't"); !ok {
		t.Fatalf("未受编辑影响的批注不应丢失")
	}
	if c := e.Counts(); c[contract.KindSpelling] != 1 || c[contract.KindGrammar] != 1 {
		t.Fatalf("统计错误: %v", c)
	}
}

func TestE2ESQLiteCacheReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := baseConfig("mock", "mock", `{}`)
	cfg.Cache = cfgpkg.Cache{Backend: "sqlite", Options: json.RawMessage(fmt.Sprintf(`{"path":%q}`, path))}
	doc := contract.Paragraphs("He don't care.", "They has many informations.")

	e1, done1 := startEngine(t, cfg)
	if _, err := e1.Load(doc); err != nil {
		t.Fatalf("load: %v", err)
	}
	e1.Wait()
	first := e1.Active()
	if e1.Stats().Calls == 0 || len(first) == 0 {
		t.Fatalf("首个会话应发出请求并得到批注: %+v", e1.Stats())
	}
	done1()

	e2, done2 := startEngine(t, cfg)
	defer done2()
	if _, err := e2.Load(doc); err != nil {
		t.Fatalf("load: %v", err)
	}
	e2.Wait()
	if e2.Stats().CacheHit == 0 {
		t.Fatalf("第二个会话应命中持久缓存: %+v", e2.Stats())
	}
	if len(e2.Active()) != len(first) {
		t.Fatalf("缓存结果与首次不一致: %d vs %d", len(e2.Active()), len(first))
	}
}

func TestE2EFlakyRetryOnEdit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flaky.log")
	e, done := startEngine(t, baseConfig("flaky", "flaky", fmt.Sprintf(`{"log_path":%q}`, logPath)))
	defer done()
	if _, err := e.Load(contract.Paragraphs("He don't care.")); err != nil {
		t.Fatalf("load: %v", err)
	}
	e.Wait()
	if len(e.Active()) != 0 {
		t.Fatalf("限流失败不应产生批注")
	}
	// 失败不缓存：每次编辑重新请求，直到脚本放行
	for i, tail := range []string{" Now", "!"} {
		size := len([]rune(strings.TrimSuffix(e.Snapshot().Text, "\n")))
		if _, err := e.Edit(contract.Insert(size, tail)); err != nil {
			t.Fatalf("edit %d: %v", i, err)
		}
		e.Wait()
	}
	if _, ok := find(e.Active(), "He don't"); !ok {
		t.Fatalf("脚本放行后应得到批注: %+v", e.Active())
	}
	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	if len(lines) < 3 || lines[0] != "rate_limited" || lines[1] != "invalid" || lines[2] != "ok" {
		t.Fatalf("unexpected log: %v", lines)
	}
}
