// Package mock 提供离线、确定性的分析器：按内置规则表标出常见写作问题。
// 用于本地联调与测试，不发起任何网络请求。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"annotrack/internal/docmap"
	"annotrack/pkg/contract"
)

// Options: 最小调试配置（均可选）。
type Options struct {
	// APIKey: 仅用于限流分组，默认使用内置常量。
	APIKey string `json:"api_key"`
	// LatencyMS: 每次调用的模拟延迟（尊重 ctx 取消）。
	LatencyMS int `json:"latency_ms"`
	// Rules: 启用的规则集 grammar|spelling|style|readability；空则全部启用。
	Rules []string `json:"rules"`
	// MaxSentenceWords: 超过该词数的句子记为 readability 问题，默认 30。
	MaxSentenceWords int `json:"max_sentence_words"`
}

// 整文档结果的按类别上限（spelling 不限）。
const (
	limitGrammar     = 15
	limitStyle       = 15
	limitReadability = 10
	limitTotal       = 50
)

var ruleSets = []string{"grammar", "spelling", "style", "readability"}

type Analyzer struct {
	sets     map[string]bool
	latency  time.Duration
	maxWords int
}

func New(raw json.RawMessage) (*Analyzer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.MaxSentenceWords <= 0 {
		o.MaxSentenceWords = 30
	}
	sets := map[string]bool{}
	if len(o.Rules) == 0 {
		o.Rules = ruleSets
	}
	for _, r := range o.Rules {
		name := strings.ToLower(strings.TrimSpace(r))
		known := false
		for _, s := range ruleSets {
			if s == name {
				known = true
			}
		}
		if !known {
			return nil, fmt.Errorf("mock: unknown rule set %q: %w", r, contract.ErrInvalidInput)
		}
		sets[name] = true
	}
	return &Analyzer{sets: sets, latency: time.Duration(o.LatencyMS) * time.Millisecond, maxWords: o.MaxSentenceWords}, nil
}

// AnalyzeSegments 对每个片段独立运行规则表；偏移相对于片段。
func (a *Analyzer) AnalyzeSegments(ctx context.Context, segs []contract.Segment) ([]contract.SegmentResult, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	out := make([]contract.SegmentResult, 0, len(segs))
	for _, s := range segs {
		out = append(out, contract.SegmentResult{ID: s.ID, Feedback: a.analyze(s.Text)})
	}
	return out, nil
}

// AnalyzeDocument 在扁平文本上运行规则表，并按类别截断。
func (a *Analyzer) AnalyzeDocument(ctx context.Context, doc *contract.Node) ([]contract.Suggestion, error) {
	if doc == nil {
		return nil, fmt.Errorf("mock: nil document: %w", contract.ErrInvalidInput)
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return limit(a.analyze(docmap.Flatten(doc).Text)), nil
}

// analyze 逐行扫描（规则不跨越块分隔符）。
func (a *Analyzer) analyze(text string) []contract.Suggestion {
	out := []contract.Suggestion{}
	base := 0
	for _, line := range strings.Split(text, string(docmap.Separator)) {
		for _, h := range scan(line, a.sets, a.maxWords) {
			st, en := base+h.start, base+h.end
			out = append(out, contract.Suggestion{
				ID:          fmt.Sprintf("%s-%d-%d-%s", h.rule.kind, st, en, h.rule.id),
				Type:        h.rule.kind.String(),
				Position:    contract.Position{Start: st, End: en},
				Text:        h.text,
				Message:     h.rule.msg,
				Suggestions: h.sugs,
				RuleID:      h.rule.id,
			})
		}
		base += len([]rune(line)) + 1
	}
	return out
}

// limit: 非 spelling 问题若落在某个 spelling 问题内则丢弃；
// 再按类别截断并限制总数，结果按起点排序。
func limit(in []contract.Suggestion) []contract.Suggestion {
	var spelling []contract.Suggestion
	for _, s := range in {
		if s.Type == contract.KindSpelling.String() {
			spelling = append(spelling, s)
		}
	}
	caps := map[string]int{
		contract.KindGrammar.String():     limitGrammar,
		contract.KindStyle.String():       limitStyle,
		contract.KindReadability.String(): limitReadability,
	}
	seen := map[string]int{}
	out := make([]contract.Suggestion, 0, len(in))
	for _, s := range in {
		if s.Type != contract.KindSpelling.String() {
			if inside(s, spelling) || seen[s.Type] >= caps[s.Type] {
				continue
			}
			seen[s.Type]++
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position.Start < out[j].Position.Start })
	if len(out) > limitTotal {
		out = out[:limitTotal]
	}
	return out
}

func inside(s contract.Suggestion, spelling []contract.Suggestion) bool {
	for _, sp := range spelling {
		if sp.Position.Start <= s.Position.Start && sp.Position.End >= s.Position.End {
			return true
		}
	}
	return false
}

func (a *Analyzer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.latency <= 0 {
		return nil
	}
	t := time.NewTimer(a.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ contract.Analyzer = (*Analyzer)(nil)
