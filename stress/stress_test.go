package stress

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	cfgpkg "annotrack/internal/config"
	"annotrack/internal/diag"
	"annotrack/internal/engine"
	"annotrack/pkg/contract"
)

const paragraph = "They has many informations about the the project. He don't recieved a apple yesterday."

// baseConfig 构造可运行的最小配置：mock 分析器带少量延迟，限流关闭。
func baseConfig() cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Logging.Level = "error"
	cfg.Mode = "segments"
	cfg.Scheduler.DebounceMS = 10
	cfg.Scheduler.ThrottleMS = 50
	cfg.Provider = map[string]cfgpkg.Provider{
		"mock": {Client: "mock", Options: json.RawMessage(`{"latency_ms":2}`)},
	}
	return cfg
}

// typeSession 逐字符键入 paragraph 并等待收敛；返回最终批注数。
func typeSession(cfg cfgpkg.Config) (int, error) {
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return 0, err
	}
	e := engine.New(comp, set, diag.NewWriterLogger("stress", "error", io.Discard))
	defer e.Close()
	if _, err := e.Load(contract.Paragraphs("")); err != nil {
		return 0, err
	}
	for i, r := range []rune(paragraph) {
		if _, err := e.Edit(contract.Insert(i, string(r))); err != nil {
			return 0, err
		}
		if i%8 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	e.Wait()
	return len(e.Active()), nil
}

// TestStress 在不同并发会话数下运行键入模拟并记录收敛延迟统计。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	levels := []int{1, 8, 32}
	for _, conc := range levels {
		t.Run(fmt.Sprintf("sessions_%d", conc), func(t *testing.T) {
			var (
				mu        sync.Mutex
				wg        sync.WaitGroup
				successes int
				latencies = make([]time.Duration, 0, conc)
			)
			for i := 0; i < conc; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					start := time.Now()
					n, err := typeSession(baseConfig())
					dur := time.Since(start)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						t.Errorf("session %d: %v", i, err)
						return
					}
					if n == 0 {
						t.Errorf("session %d: 收敛后无批注", i)
						return
					}
					successes++
					latencies = append(latencies, dur)
				}(i)
			}
			wg.Wait()
			if successes == 0 {
				t.Fatalf("全部会话失败")
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			p95 := latencies[idx]
			t.Logf("会话%d 成功率%.2f 平均%v 95%%延迟%v", conc, float64(successes)/float64(conc), avg, p95)
		})
	}
}
