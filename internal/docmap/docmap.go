// Package docmap 在结构化文档树与扁平文本之间建立偏移映射。
//
// 扁平化规则：
// 1) text 节点贡献其字符（rune）；
// 2) 块级节点（paragraph/heading/listItem/blockquote/codeBlock）在内容之后贡献一个 '\n'；
// 3) hardBreak 贡献一个 '\n'；
// 4) 容器节点（doc/bulletList/orderedList 及未知类型）只贡献子节点；
// 5) 畸形节点（nil、空 text、无子节点的块）贡献 0 长度，永不 panic。
package docmap

import (
	"sort"
	"strconv"

	"annotrack/pkg/contract"
)

// Separator 为块级节点与 hardBreak 贡献的分隔符。
const Separator = '\n'

// Span: 范围表中的一段。Separator=true 表示合成分隔符（不可投影）。
type Span struct {
	NodeID    string
	Start     int
	Len       int
	Separator bool

	node   *contract.Node
	parent *contract.Node
}

func (s Span) End() int { return s.Start + s.Len }

// Piece: 扁平区间在某个 text 节点内的局部投影。
type Piece struct {
	NodeID     string
	LocalStart int
	LocalEnd   int
	// FlatStart: 该片段在扁平文本中的起点（便于排序与渲染）。
	FlatStart int
}

// Flat: 扁平化结果（只读）。Spans 按 Start 升序且连续覆盖 [0, len(Runes))。
type Flat struct {
	Text  string
	Runes []rune
	Spans []Span
}

// Flatten 扁平化文档树。root 为 nil 时返回空结果。
func Flatten(root *contract.Node) *Flat {
	b := &builder{}
	b.walk(root, nil, "0")
	return &Flat{Text: string(b.runes), Runes: b.runes, Spans: b.spans}
}

type builder struct {
	runes []rune
	spans []Span
}

func (b *builder) walk(n, parent *contract.Node, path string) {
	if n == nil {
		return
	}
	id := n.ID
	if id == "" {
		id = path
	}
	switch {
	case n.Type == contract.NodeText:
		if n.Text == "" {
			return
		}
		rs := []rune(n.Text)
		b.spans = append(b.spans, Span{NodeID: id, Start: len(b.runes), Len: len(rs), node: n, parent: parent})
		b.runes = append(b.runes, rs...)
	case n.Type == contract.NodeHardBreak:
		b.sep(id, n, parent)
	case n.IsBlock():
		if len(n.Content) == 0 {
			return
		}
		b.children(n, path)
		b.sep(id, n, parent)
	default:
		b.children(n, path)
	}
}

func (b *builder) children(n *contract.Node, path string) {
	for i, c := range n.Content {
		b.walk(c, n, path+"."+strconv.Itoa(i))
	}
}

func (b *builder) sep(id string, n, parent *contract.Node) {
	b.spans = append(b.spans, Span{NodeID: id, Start: len(b.runes), Len: 1, Separator: true, node: n, parent: parent})
	b.runes = append(b.runes, Separator)
}

// Len 返回扁平文本长度（rune）。
func (f *Flat) Len() int { return len(f.Runes) }

// Slice 返回 [start,end) 的文本；越界部分被裁剪。
func (f *Flat) Slice(start, end int) string {
	start, end = f.clamp(start, end)
	return string(f.Runes[start:end])
}

func (f *Flat) clamp(start, end int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > len(f.Runes) {
		end = len(f.Runes)
	}
	if end < start {
		end = start
	}
	return start, end
}

// spanAt 返回包含 off 的 span 下标；off 越界返回 -1。
func (f *Flat) spanAt(off int) int {
	if off < 0 || off >= len(f.Runes) {
		return -1
	}
	i := sort.Search(len(f.Spans), func(i int) bool { return f.Spans[i].End() > off })
	if i == len(f.Spans) {
		return -1
	}
	return i
}

// Locate 将扁平偏移反查为 (节点, 局部偏移)。
// 光标位于 text 末尾（紧邻分隔符或文档末尾）时返回该 text 节点与其长度。
func (f *Flat) Locate(off int) (nodeID string, local int, ok bool) {
	if off < 0 || off > len(f.Runes) {
		return "", 0, false
	}
	if off == len(f.Runes) {
		for i := len(f.Spans) - 1; i >= 0; i-- {
			if !f.Spans[i].Separator {
				if f.Spans[i].End() == off {
					return f.Spans[i].NodeID, f.Spans[i].Len, true
				}
				break
			}
		}
		if n := len(f.Spans); n > 0 {
			return f.Spans[n-1].NodeID, f.Spans[n-1].Len, true
		}
		return "", 0, false
	}
	i := f.spanAt(off)
	if i < 0 {
		return "", 0, false
	}
	s := f.Spans[i]
	if s.Separator && i > 0 && !f.Spans[i-1].Separator && f.Spans[i-1].End() == off {
		p := f.Spans[i-1]
		return p.NodeID, p.Len, true
	}
	return s.NodeID, off - s.Start, true
}

// Project 将扁平区间拆分到各 text 节点；分隔符不产生片段。
func (f *Flat) Project(start, end int) []Piece {
	start, end = f.clamp(start, end)
	if start >= end {
		return nil
	}
	var out []Piece
	for i := f.spanAt(start); i >= 0 && i < len(f.Spans); i++ {
		s := f.Spans[i]
		if s.Start >= end {
			break
		}
		if s.Separator {
			continue
		}
		ls, le := start-s.Start, end-s.Start
		if ls < 0 {
			ls = 0
		}
		if le > s.Len {
			le = s.Len
		}
		if ls < le {
			out = append(out, Piece{NodeID: s.NodeID, LocalStart: ls, LocalEnd: le, FlatStart: s.Start + ls})
		}
	}
	return out
}
