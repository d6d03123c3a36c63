package resolve

import (
	"math/rand"
	"reflect"
	"testing"

	"annotrack/pkg/contract"
)

func mk(id string, k contract.Kind, s, e int, seq uint64) contract.Annotation {
	return contract.Annotation{ID: id, Kind: k, Start: s, End: e, Seq: seq}
}

// UT-RES-01: [0,5) spelling 与 [2,8) grammar → 保留 spelling
func TestPriorityWins(t *testing.T) {
	out := Resolve([]contract.Annotation{
		mk("g", contract.KindGrammar, 2, 8, 1),
		mk("s", contract.KindSpelling, 0, 5, 2),
	})
	if len(out) != 1 || out[0].ID != "s" {
		t.Fatalf("应保留 spelling: %+v", out)
	}
}

// UT-RES-02: 传递簇只保留一个；相接不算重叠
func TestTransitiveCluster(t *testing.T) {
	out := Resolve([]contract.Annotation{
		mk("a", contract.KindStyle, 0, 4, 1),
		mk("b", contract.KindReadability, 3, 8, 2),
		mk("c", contract.KindGrammar, 7, 10, 3), // 与 a 不相交，但经 b 连通
		mk("d", contract.KindReadability, 10, 12, 4),
	})
	if len(out) != 2 || out[0].ID != "c" || out[1].ID != "d" {
		t.Fatalf("簇划分错误: %+v", out)
	}
}

// UT-RES-03: 同优先级比 Start，再比 Seq
func TestTieBreak(t *testing.T) {
	out := Resolve([]contract.Annotation{
		mk("late", contract.KindStyle, 2, 6, 1),
		mk("early", contract.KindStyle, 1, 3, 2),
	})
	if len(out) != 1 || out[0].ID != "early" {
		t.Fatalf("应选最早 Start: %+v", out)
	}
	out = Resolve([]contract.Annotation{
		mk("second", contract.KindStyle, 1, 3, 9),
		mk("first", contract.KindStyle, 1, 3, 4),
	})
	if len(out) != 1 || out[0].ID != "first" {
		t.Fatalf("应选插入序靠前者: %+v", out)
	}
}

// UT-RES-04: 非法区间被丢弃
func TestDropInvalid(t *testing.T) {
	out := Resolve([]contract.Annotation{mk("x", contract.KindSpelling, 3, 3, 1), mk("y", contract.KindSpelling, 5, 2, 2)})
	if len(out) != 0 {
		t.Fatalf("非法条目应丢弃: %+v", out)
	}
}

// PROP-RES-01: 幂等、无重叠、与输入顺序无关（含嵌套与完全相同区间）
func TestPropertyResolve(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for iter := 0; iter < 500; iter++ {
		n := rnd.Intn(12)
		in := make([]contract.Annotation, n)
		for i := range in {
			s := rnd.Intn(20)
			e := s + rnd.Intn(8)
			if rnd.Intn(5) == 0 && i > 0 {
				s, e = in[i-1].Start, in[i-1].End // 完全相同区间
			}
			in[i] = mk(string(rune('a'+i)), contract.Kinds()[rnd.Intn(4)], s, e, uint64(i+1))
		}
		out := Resolve(in)
		for i := 1; i < len(out); i++ {
			if out[i-1].Range().Overlaps(out[i].Range()) || out[i-1].Start > out[i].Start {
				t.Fatalf("输出重叠或无序: %+v", out)
			}
		}
		if again := Resolve(out); !reflect.DeepEqual(again, out) {
			t.Fatalf("非幂等: %+v vs %+v", out, again)
		}
		shuffled := append([]contract.Annotation(nil), in...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if got := Resolve(shuffled); !reflect.DeepEqual(got, out) {
			t.Fatalf("结果依赖输入顺序: %+v vs %+v", out, got)
		}
	}
}
