// Package render 将展示中批注投影为编辑器可消费的节点内装饰（纯函数，无副作用）。
package render

import (
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"annotrack/internal/docmap"
	"annotrack/internal/resolve"
	"annotrack/pkg/contract"
)

// Decorations 先裁决重叠，再按当前树拆分到各 text 节点；按扁平位置排序。
func Decorations(tree *contract.Node, active []contract.Annotation) []contract.Decoration {
	return DecorationsFlat(docmap.Flatten(tree), active)
}

// DecorationsFlat 与 Decorations 相同，但复用已扁平化的结果。
func DecorationsFlat(f *docmap.Flat, active []contract.Annotation) []contract.Decoration {
	type item struct {
		flat int
		d    contract.Decoration
	}
	var items []item
	for _, a := range resolve.Resolve(active) {
		for _, p := range f.Project(a.Start, a.End) {
			items = append(items, item{flat: p.FlatStart, d: contract.Decoration{
				NodeID:       p.NodeID,
				LocalStart:   p.LocalStart,
				LocalEnd:     p.LocalEnd,
				AnnotationID: a.ID,
				Kind:         a.Kind,
			}})
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].flat < items[j].flat })
	out := make([]contract.Decoration, len(items))
	for i, it := range items {
		out[i] = it.d
	}
	return out
}

// Mark: 行内标注（rune 偏移，半开区间）。
type Mark struct {
	Start, End int
	Char       rune
}

// Underline 生成与 line 按显示宽度对齐的下划线行（宽字符占两列）。
func Underline(line string, marks []Mark) string {
	rs := []rune(line)
	fill := make([]rune, len(rs))
	for i := range fill {
		fill[i] = ' '
	}
	for _, m := range marks {
		for i := max(m.Start, 0); i < m.End && i < len(rs); i++ {
			fill[i] = m.Char
		}
	}
	var b strings.Builder
	for i, r := range rs {
		w := runewidth.RuneWidth(r)
		if r == '\t' {
			b.WriteRune('\t')
			continue
		}
		for k := 0; k < w; k++ {
			b.WriteRune(fill[i])
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// MarkChar 返回类别对应的下划线字符。
func MarkChar(k contract.Kind) rune {
	switch k {
	case contract.KindSpelling:
		return '^'
	case contract.KindGrammar:
		return '~'
	case contract.KindStyle:
		return '-'
	default:
		return '.'
	}
}
