// Package flaky 按脚本依次注入故障的分析器，用于联调错误路径。
package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"annotrack/pkg/contract"
	"annotrack/plugins/analyzer/mock"
)

// Options 定义可选项。
type Options struct {
	// Script: 每次调用依次消费一步：rate_limited|invalid|error|ok；
	// 用尽后恒为 ok。为空时使用 ["rate_limited","invalid"]。
	Script []string `json:"script"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
	// Mock: 成功时委托给 mock 分析器的选项。
	Mock json.RawMessage `json:"mock,omitempty"`
}

// Analyzer 是带状态的实现：两种分析方式共享同一脚本游标。
type Analyzer struct {
	mu      sync.Mutex
	script  []string
	next    int
	logPath string
	inner   *mock.Analyzer
}

// New 构造 Analyzer。
func New(raw json.RawMessage) (*Analyzer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if len(o.Script) == 0 {
		o.Script = []string{"rate_limited", "invalid"}
	}
	for _, s := range o.Script {
		switch s {
		case "rate_limited", "invalid", "error", "ok":
		default:
			return nil, fmt.Errorf("flaky: unknown step %q: %w", s, contract.ErrInvalidInput)
		}
	}
	inner, err := mock.New(o.Mock)
	if err != nil {
		return nil, err
	}
	return &Analyzer{script: o.Script, logPath: o.LogPath, inner: inner}, nil
}

func (a *Analyzer) step() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := "ok"
	if a.next < len(a.script) {
		s = a.script[a.next]
	}
	a.next++
	a.log(s)
	return s
}

func (a *Analyzer) fail(step string) error {
	switch step {
	case "rate_limited":
		return contract.ErrRateLimited
	case "invalid":
		return fmt.Errorf("flaky: malformed body: %w", contract.ErrResponseInvalid)
	case "error":
		return errors.New("flaky: scripted failure")
	}
	return nil
}

// AnalyzeSegments 实现 contract.SegmentAnalyzer。
func (a *Analyzer) AnalyzeSegments(ctx context.Context, segs []contract.Segment) ([]contract.SegmentResult, error) {
	if err := a.fail(a.step()); err != nil {
		return nil, err
	}
	return a.inner.AnalyzeSegments(ctx, segs)
}

// AnalyzeDocument 实现 contract.DocumentAnalyzer。
func (a *Analyzer) AnalyzeDocument(ctx context.Context, doc *contract.Node) ([]contract.Suggestion, error) {
	if err := a.fail(a.step()); err != nil {
		return nil, err
	}
	return a.inner.AnalyzeDocument(ctx, doc)
}

func (a *Analyzer) log(s string) {
	if a.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(a.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

var _ contract.Analyzer = (*Analyzer)(nil)
