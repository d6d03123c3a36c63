package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Version: 文档版本号（单会话内单调递增）。0 表示初始加载前。
type Version int64

// Kind: 批注类别（封闭枚举）。展示颜色/优先级等由查表决定，不做字符串匹配。
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSpelling
	KindGrammar
	KindStyle
	KindReadability
)

// kindInfo: 类别查表。priority 越小越优先。
var kindInfo = [...]struct {
	name     string
	label    string
	priority int
}{
	KindUnknown:     {name: "unknown", label: "Unknown", priority: math.MaxInt},
	KindSpelling:    {name: "spelling", label: "Spelling", priority: 1},
	KindGrammar:     {name: "grammar", label: "Clarity", priority: 2},
	KindStyle:       {name: "style", label: "Conciseness", priority: 3},
	KindReadability: {name: "readability", label: "Readability", priority: 4},
}

// Kinds 返回全部有效类别（按优先级升序）。
func Kinds() []Kind { return []Kind{KindSpelling, KindGrammar, KindStyle, KindReadability} }

func (k Kind) Valid() bool { return k > KindUnknown && int(k) < len(kindInfo) }

func (k Kind) String() string {
	if !k.Valid() {
		return kindInfo[KindUnknown].name
	}
	return kindInfo[k].name
}

// Label 返回面向用户的分组名称。
func (k Kind) Label() string {
	if !k.Valid() {
		return kindInfo[KindUnknown].label
	}
	return kindInfo[k].label
}

// Priority 返回冲突裁决优先级（越小越优先）；未知类别排在最后。
func (k Kind) Priority() int {
	if !k.Valid() {
		return math.MaxInt
	}
	return kindInfo[k].priority
}

// ParseKind 解析线上类别字符串（大小写不敏感）。未知值返回 ErrInvalidInput。
func ParseKind(s string) (Kind, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds() {
		if kindInfo[k].name == t {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("kind %q: %w", s, ErrInvalidInput)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Range: 扁平文本上的半开区间 [Start, End)，单位为 rune。
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int { return r.End - r.Start }

// Empty: Start >= End 视为空区间。
func (r Range) Empty() bool { return r.Start >= r.End }

// Overlaps: 严格重叠（仅相接不算）。
func (r Range) Overlaps(o Range) bool { return r.Start < o.End && r.End > o.Start }

// RequestKey: 文本片段的内容哈希（与绝对位置无关），用于去重与缓存。
type RequestKey string

// KeyOf 计算片段文本的 RequestKey（sha256 前 16 字节，hex）。
func KeyOf(text string) RequestKey {
	sum := sha256.Sum256([]byte(text))
	return RequestKey(hex.EncodeToString(sum[:16]))
}

// Annotation: 锚定在扁平区间上的写作问题。
// 约束：
// 1) Start < End；
// 2) 在 Version 时刻 SourceText == flat[Start:End]；
// 3) 位置字段仅由位置变换器修改，其余字段创建后不变。
type Annotation struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Start       int        `json:"start"`
	End         int        `json:"end"`
	Version     Version    `json:"version"`
	SourceText  string     `json:"source_text"`
	Message     string     `json:"message"`
	Suggestions []string   `json:"suggestions,omitempty"`
	RuleID      string     `json:"rule_id,omitempty"`
	RequestKey  RequestKey `json:"request_key,omitempty"`
	// Seq: 存储插入序，作为裁决的最终平局规则。
	Seq uint64 `json:"seq"`
}

func (a Annotation) Range() Range { return Range{Start: a.Start, End: a.End} }

// Clone 深拷贝 Suggestions。
func (a Annotation) Clone() Annotation {
	if a.Suggestions != nil {
		s := make([]string, len(a.Suggestions))
		copy(s, a.Suggestions)
		a.Suggestions = s
	}
	return a
}

// Snapshot: 当前扁平文本与版本（派生值，每次编辑重算）。
type Snapshot struct {
	Text    string
	Version Version
}

// Decoration: 渲染投影的单个片段（节点内局部偏移）。
type Decoration struct {
	NodeID       string `json:"node_id"`
	LocalStart   int    `json:"local_start"`
	LocalEnd     int    `json:"local_end"`
	AnnotationID string `json:"annotation_id"`
	Kind         Kind   `json:"kind"`
}
