package docmap

import (
	"fmt"

	"annotrack/pkg/contract"
)

// Apply 在 root 的克隆上应用一个扁平坐标操作，返回新树（root 不变）。
// 约束：
// 1) 插入落在 text 节点内部或末尾；空文档时追加一个段落；
// 2) 删除可跨多个 text 节点与 hardBreak；
// 3) 删除块分隔符（合并块）不受支持，返回 ErrInvalidInput。
func Apply(root *contract.Node, op contract.TextOperation) (*contract.Node, error) {
	out := root.Clone()
	if out == nil {
		out = &contract.Node{Type: contract.NodeDoc}
	}
	f := Flatten(out)
	if err := contract.ValidateOp(op, f.Len()); err != nil {
		return nil, err
	}
	switch op.Kind {
	case contract.OpInsert:
		if op.Length == 0 {
			return out, nil
		}
		return out, insertAt(out, f, op.Position, op.Text)
	case contract.OpDelete:
		if op.Length == 0 {
			return out, nil
		}
		return out, deleteRange(f, op.Position, op.End())
	}
	return nil, fmt.Errorf("apply %s: %w", op.Kind, contract.ErrInvalidInput)
}

func insertAt(root *contract.Node, f *Flat, p int, text string) error {
	var target *Span
	for i := range f.Spans {
		s := &f.Spans[i]
		if s.Separator {
			continue
		}
		if s.Start <= p && p < s.End() {
			target = s
			break
		}
		if s.End() == p {
			target = s
		}
	}
	if target == nil {
		if f.Len() != 0 {
			return fmt.Errorf("insert at %d: no text node: %w", p, contract.ErrInvalidInput)
		}
		root.Content = append(root.Content, &contract.Node{
			Type:    contract.NodeParagraph,
			Content: []*contract.Node{{Type: contract.NodeText, Text: text}},
		})
		return nil
	}
	rs := []rune(target.node.Text)
	local := p - target.Start
	target.node.Text = string(rs[:local]) + text + string(rs[local:])
	return nil
}

func deleteRange(f *Flat, start, end int) error {
	for i := range f.Spans {
		s := f.Spans[i]
		if s.End() <= start || s.Start >= end {
			continue
		}
		if s.Separator && s.node.Type != contract.NodeHardBreak {
			return fmt.Errorf("delete [%d,%d) crosses block %s: %w", start, end, s.NodeID, contract.ErrInvalidInput)
		}
	}
	for i := range f.Spans {
		s := f.Spans[i]
		if s.End() <= start || s.Start >= end {
			continue
		}
		if s.Separator {
			removeChild(s.parent, s.node)
			continue
		}
		rs := []rune(s.node.Text)
		ls, le := max(start-s.Start, 0), min(end-s.Start, s.Len)
		s.node.Text = string(rs[:ls]) + string(rs[le:])
	}
	return nil
}

func removeChild(parent, child *contract.Node) {
	if parent == nil {
		return
	}
	for i, c := range parent.Content {
		if c == child {
			parent.Content = append(parent.Content[:i], parent.Content[i+1:]...)
			return
		}
	}
}

// Diff 由前后两版扁平文本推导操作序列（公共前缀/后缀之外的部分先删后插）。
// 返回的操作依次应用：Delete 在旧坐标，Insert 在删除后的坐标。
func Diff(before, after []rune) []contract.TextOperation {
	pre := 0
	for pre < len(before) && pre < len(after) && before[pre] == after[pre] {
		pre++
	}
	suf := 0
	for suf < len(before)-pre && suf < len(after)-pre && before[len(before)-1-suf] == after[len(after)-1-suf] {
		suf++
	}
	var ops []contract.TextOperation
	if n := len(before) - pre - suf; n > 0 {
		ops = append(ops, contract.Delete(pre, n))
	}
	if n := len(after) - pre - suf; n > 0 {
		ops = append(ops, contract.Insert(pre, string(after[pre:pre+n])))
	}
	return ops
}
