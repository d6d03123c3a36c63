// Package resolve 在重叠批注中为每个重叠簇选出唯一展示者。
package resolve

import (
	"sort"

	"annotrack/pkg/contract"
)

// Resolve 返回互不重叠的批注集合（按 Start 升序）。
// 约束：
// 1) 重叠簇按区间相交的传递闭包划分；
// 2) 簇内胜者：优先级（spelling > grammar > style > readability），再比最早 Start，再比 Seq；
// 3) Start >= End 的非法条目直接丢弃；
// 4) 纯函数：结果与输入顺序无关，且 Resolve(Resolve(x)) == Resolve(x)。
func Resolve(in []contract.Annotation) []contract.Annotation {
	xs := make([]contract.Annotation, 0, len(in))
	for _, a := range in {
		if a.Start < a.End {
			xs = append(xs, a)
		}
	}
	sort.Slice(xs, func(i, j int) bool {
		a, b := xs[i], xs[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	out := make([]contract.Annotation, 0, len(xs))
	for i := 0; i < len(xs); {
		best := xs[i]
		end := xs[i].End
		j := i + 1
		for ; j < len(xs) && xs[j].Start < end; j++ {
			if xs[j].End > end {
				end = xs[j].End
			}
			if Better(xs[j], best) {
				best = xs[j]
			}
		}
		out = append(out, best)
		i = j
	}
	return out
}

// Better 判断 a 是否应胜过 b。
func Better(a, b contract.Annotation) bool {
	if pa, pb := a.Kind.Priority(), b.Kind.Priority(); pa != pb {
		return pa < pb
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}
