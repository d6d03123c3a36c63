package contract

import (
	"context"
	"encoding/json"
)

// Position: 线上格式的偏移对（相对于提交时的文本）。
type Position struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Suggestion: 分析器返回的单条问题（线上格式）。
// 兼容旧版分段接口的扁平字段：start/end/suggestion/explanation。
type Suggestion struct {
	ID          string   `json:"id,omitempty"`
	Type        string   `json:"type"`
	Position    Position `json:"position"`
	Text        string   `json:"text"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions"`
	RuleID      string   `json:"ruleId,omitempty"`
}

func (s *Suggestion) UnmarshalJSON(b []byte) error {
	type plain Suggestion
	var w struct {
		plain
		Start       *int   `json:"start"`
		End         *int   `json:"end"`
		Suggestion  string `json:"suggestion"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Suggestion(w.plain)
	if w.Start != nil && w.End != nil {
		s.Position = Position{Start: *w.Start, End: *w.End}
	}
	if len(s.Suggestions) == 0 && w.Suggestion != "" {
		s.Suggestions = []string{w.Suggestion}
	}
	if s.Message == "" {
		s.Message = w.Explanation
	}
	return nil
}

// Segment: 分段请求单元；Text 为片段原文。
type Segment struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// SegmentResult: 分段响应；Feedback 的偏移相对于对应片段。
type SegmentResult struct {
	ID       string       `json:"id"`
	Feedback []Suggestion `json:"feedback"`
}

// DocumentAnalyzer: 整文档分析。偏移相对于提交时文档的扁平文本。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
type DocumentAnalyzer interface {
	AnalyzeDocument(ctx context.Context, doc *Node) ([]Suggestion, error)
}

// SegmentAnalyzer: 分段分析。返回结果按 ID 对应请求片段，顺序不作要求。
type SegmentAnalyzer interface {
	AnalyzeSegments(ctx context.Context, segs []Segment) ([]SegmentResult, error)
}

// Analyzer: 同时支持两种分析方式的实现（插件注册表的产物）。
type Analyzer interface {
	DocumentAnalyzer
	SegmentAnalyzer
}

// Candidate: 校验后的问题（区间相对于被分析文本，尚未绑定绝对位置与版本）。
type Candidate struct {
	ID          string   `json:"id,omitempty"`
	Kind        Kind     `json:"kind"`
	Range       Range    `json:"range"`
	Text        string   `json:"text"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	RuleID      string   `json:"rule_id,omitempty"`
}

// ResultCache: 片段结果的二级缓存（按内容哈希寻址，值为片段相对的 Candidate）。
// 实现须并发安全；Get 未命中返回 (nil, false, nil)。
type ResultCache interface {
	Get(ctx context.Context, key RequestKey) ([]Candidate, bool, error)
	Put(ctx context.Context, key RequestKey, cands []Candidate) error
	Close() error
}
