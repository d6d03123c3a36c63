// Package transform 将批注区间折叠过后续编辑操作，并在失效时丢弃。
//
// 规则（按因果序逐个应用 Version 大于批注版本的操作）：
//  1. 插入 (p, L)：Start >= p 时 +L；End > p 时 +L。插入恰在边界时视为区间之外。
//  2. 删除 [p, p+L)：若与操作前区间重叠（p < End && p+L > Start）则失效；
//     否则 >= p+L 的边界 -L，落在 (p, p+L) 内的边界收缩到 p。
//  3. 长度为 0 的操作不产生影响。
//
// 折叠完成后须以当前文本重新切片核对 SourceText（Verify）；二者合为 Rebase。
package transform

import (
	"annotrack/pkg/contract"
)

// Transform 折叠 ops 中版本新于 a.Version 的操作。
// 返回的批注 Version 为最后一个已应用操作的版本；ok=false 表示失效。
func Transform(a contract.Annotation, ops []contract.TextOperation) (contract.Annotation, bool) {
	start, end := a.Start, a.End
	if start >= end {
		return a, false
	}
	ver := a.Version
	for _, op := range ops {
		if op.Version <= a.Version {
			continue
		}
		ver = op.Version
		if op.Length <= 0 {
			continue
		}
		switch op.Kind {
		case contract.OpInsert:
			if start >= op.Position {
				start += op.Length
			}
			if end > op.Position {
				end += op.Length
			}
		case contract.OpDelete:
			p, q := op.Position, op.Position+op.Length
			if p < end && q > start {
				return a, false
			}
			start = shiftDelete(start, p, q)
			end = shiftDelete(end, p, q)
		}
	}
	if start >= end {
		return a, false
	}
	a.Start, a.End, a.Version = start, end, ver
	return a, true
}

func shiftDelete(b, p, q int) int {
	switch {
	case b >= q:
		return b - (q - p)
	case b > p:
		return p
	default:
		return b
	}
}

// Verify 以当前文本重新切片并与 SourceText 比对。
func Verify(a contract.Annotation, text []rune) bool {
	if a.Start < 0 || a.Start >= a.End || a.End > len(text) {
		return false
	}
	return string(text[a.Start:a.End]) == a.SourceText
}

// Rebase = Transform + Verify。
func Rebase(a contract.Annotation, ops []contract.TextOperation, text []rune) (contract.Annotation, bool) {
	out, ok := Transform(a, ops)
	if !ok || !Verify(out, text) {
		return a, false
	}
	return out, true
}

// MapPos 将一个位置折叠过全部 ops（不判定失效）。
// right=true 时插入恰在该位置会将其右推（适用于区间终点随输入延伸的场景）。
func MapPos(pos int, ops []contract.TextOperation, right bool) int {
	for _, op := range ops {
		if op.Length <= 0 {
			continue
		}
		switch op.Kind {
		case contract.OpInsert:
			if pos > op.Position || (right && pos == op.Position) {
				pos += op.Length
			}
		case contract.OpDelete:
			pos = shiftDelete(pos, op.Position, op.Position+op.Length)
		}
	}
	return pos
}

// ShiftRange 将区间折叠过全部 ops（不判定失效，收缩后可能为空）。
func ShiftRange(r contract.Range, ops []contract.TextOperation) contract.Range {
	s := MapPos(r.Start, ops, false)
	e := MapPos(r.End, ops, true)
	if e < s {
		e = s
	}
	return contract.Range{Start: s, End: e}
}

// Touched 返回单个操作在操作后坐标中影响的区间（插入为新文本，删除为空点）。
func Touched(op contract.TextOperation) contract.Range {
	if op.Kind == contract.OpInsert {
		return contract.Range{Start: op.Position, End: op.Position + op.Length}
	}
	return contract.Range{Start: op.Position, End: op.Position}
}
