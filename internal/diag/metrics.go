package diag

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// 最小指标接口（默认 no-op）。名称约定：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}

// MetricsSink: 指标导出适配层。
type MetricsSink interface {
	IncOp(comp, stage, result string)
	IncError(comp, code string)
	ObserveDuration(comp, stage string, durMS int64)
}

type sinkBox struct{ s MetricsSink }

var metrics atomic.Pointer[sinkBox]

// SetMetrics 安装进程级指标实现；nil 恢复 no-op。
func SetMetrics(s MetricsSink) {
	if s == nil {
		metrics.Store(nil)
		return
	}
	metrics.Store(&sinkBox{s: s})
}

// IncOp 累加操作计数（result=success|error|drop）。
func IncOp(comp, stage, result string) {
	if b := metrics.Load(); b != nil {
		b.s.IncOp(comp, stage, result)
	}
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	if b := metrics.Load(); b != nil {
		b.s.IncError(comp, code)
	}
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	if b := metrics.Load(); b != nil {
		b.s.ObserveDuration(comp, stage, durMS)
	}
}

// Counters: 进程内计数实现（CLI 摘要与测试使用）。
type Counters struct {
	mu   sync.Mutex
	ops  map[string]int64
	errs map[string]int64
	dur  map[string]int64
}

func NewCounters() *Counters {
	return &Counters{ops: map[string]int64{}, errs: map[string]int64{}, dur: map[string]int64{}}
}

func (c *Counters) IncOp(comp, stage, result string) {
	c.mu.Lock()
	c.ops[comp+"/"+stage+"/"+result]++
	c.mu.Unlock()
}

func (c *Counters) IncError(comp, code string) {
	c.mu.Lock()
	c.errs[comp+"/"+code]++
	c.mu.Unlock()
}

func (c *Counters) ObserveDuration(comp, stage string, durMS int64) {
	c.mu.Lock()
	c.dur[comp+"/"+stage] += durMS
	c.mu.Unlock()
}

// Op 返回指定操作计数。
func (c *Counters) Op(comp, stage, result string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[comp+"/"+stage+"/"+result]
}

// Errors 返回按 "comp/code" 排序的错误计数行。
func (c *Counters) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := make([]string, 0, len(c.errs))
	for k, n := range c.errs {
		lines = append(lines, k+"="+strconv.FormatInt(n, 10))
	}
	sort.Strings(lines)
	return lines
}
