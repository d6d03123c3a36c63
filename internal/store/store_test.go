package store

import (
	"context"
	"errors"
	"testing"

	"annotrack/pkg/contract"
)

type memBacking struct {
	m    map[contract.RequestKey][]contract.Candidate
	gets int
	fail bool
}

func (b *memBacking) Get(_ context.Context, k contract.RequestKey) ([]contract.Candidate, bool, error) {
	b.gets++
	if b.fail {
		return nil, false, errors.New("backing down")
	}
	c, ok := b.m[k]
	return c, ok, nil
}

func (b *memBacking) Put(_ context.Context, k contract.RequestKey, c []contract.Candidate) error {
	b.m[k] = c
	return nil
}

func (b *memBacking) Close() error { return nil }

// UT-STO-01: Upsert 分配 ID 与插入序
func TestUpsertSeq(t *testing.T) {
	s := New(nil)
	a := s.UpsertActive(contract.Annotation{Kind: contract.KindStyle, Start: 0, End: 3})
	b := s.UpsertActive(contract.Annotation{Kind: contract.KindStyle, Start: 5, End: 7})
	if a.ID == "" || a.Seq != 1 || b.Seq != 2 {
		t.Fatalf("分配错误: %+v %+v", a, b)
	}
	a.Start, a.End = 1, 4
	a2 := s.UpsertActive(a)
	if a2.Seq != 1 || s.Len() != 2 {
		t.Fatalf("更新应保留 Seq: %+v", a2)
	}
	if !s.RemoveActive(a.ID) || s.RemoveActive(a.ID) {
		t.Fatalf("RemoveActive 返回值错误")
	}
}

// UT-STO-02: 严格重叠删除，相接不算
func TestRemoveActiveInRange(t *testing.T) {
	s := New(nil)
	s.UpsertActive(contract.Annotation{ID: "a", Start: 0, End: 4})
	s.UpsertActive(contract.Annotation{ID: "b", Start: 4, End: 7})
	s.UpsertActive(contract.Annotation{ID: "c", Start: 7, End: 9})
	removed := s.RemoveActiveInRange(4, 7)
	if len(removed) != 1 || removed[0].ID != "b" {
		t.Fatalf("应仅删除 b: %+v", removed)
	}
	// 插入点：仅删除严格包含的批注
	if got := s.RemoveActiveInRange(4, 4); len(got) != 0 {
		t.Fatalf("边界插入点不应删除: %+v", got)
	}
	if got := s.RemoveActiveInRange(8, 8); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("内部插入点应删除 c: %+v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("剩余应为 1, got %d", s.Len())
	}
}

// UT-STO-03: pending 去重
func TestPending(t *testing.T) {
	s := New(nil)
	k := contract.KeyOf("abc")
	if !s.MarkPending(k) || s.MarkPending(k) {
		t.Fatalf("重复标记应返回 false")
	}
	if !s.IsPending(k) || s.PendingLen() != 1 {
		t.Fatalf("应在途")
	}
	s.ClearPending(k)
	if s.IsPending(k) {
		t.Fatalf("应已清除")
	}
}

// UT-STO-04: 两级缓存回填与透写
func TestCacheBacking(t *testing.T) {
	b := &memBacking{m: map[contract.RequestKey][]contract.Candidate{}}
	s := New(b)
	ctx := context.Background()
	k := contract.KeyOf("teh cat")
	if _, ok, err := s.GetCached(ctx, k); ok || err != nil {
		t.Fatalf("应未命中: %v", err)
	}
	cands := []contract.Candidate{{Kind: contract.KindSpelling, Range: contract.Range{Start: 0, End: 3}, Text: "teh", Suggestions: []string{"the"}}}
	if err := s.SetCached(ctx, k, cands); err != nil {
		t.Fatal(err)
	}
	cands[0].Suggestions[0] = "mutated"
	got, ok, _ := s.GetCached(ctx, k)
	if !ok || got[0].Suggestions[0] != "the" {
		t.Fatalf("缓存应为副本: %+v", got)
	}
	// 新存储从后端回填
	s2 := New(b)
	if _, ok, _ := s2.GetCached(ctx, k); !ok {
		t.Fatalf("应从后端命中")
	}
	gets := b.gets
	if _, ok, _ := s2.GetCached(ctx, k); !ok || b.gets != gets {
		t.Fatalf("第二次应命中内存")
	}
	b.fail = true
	if _, ok, err := New(b).GetCached(ctx, k); ok || err == nil {
		t.Fatalf("后端错误应返回未命中与错误")
	}
}

// UT-STO-05: 等价判定与计数
func TestEquivalentCounts(t *testing.T) {
	s := New(nil)
	a := contract.Annotation{Kind: contract.KindGrammar, Start: 1, End: 3, RuleID: "r", Message: "m"}
	s.UpsertActive(a)
	if !s.HasEquivalent(a) {
		t.Fatalf("应判定等价")
	}
	a.Message = "other"
	if s.HasEquivalent(a) {
		t.Fatalf("消息不同不应等价")
	}
	c := s.Counts()
	if c[contract.KindGrammar] != 1 || c[contract.KindSpelling] != 0 || len(c) != 4 {
		t.Fatalf("计数错误: %v", c)
	}
}

// UT-STO-06: 整体替换保留 ID 与 Seq，新条目分配 Seq
func TestReplaceActive(t *testing.T) {
	s := New(nil)
	a := s.UpsertActive(contract.Annotation{Kind: contract.KindStyle, Start: 0, End: 2})
	s.UpsertActive(contract.Annotation{Kind: contract.KindStyle, Start: 5, End: 6})
	a.Start, a.End = 3, 5
	s.ReplaceActive([]contract.Annotation{a, {Kind: contract.KindSpelling, Start: 7, End: 9}})
	if s.Len() != 2 {
		t.Fatalf("应仅保留两条: %d", s.Len())
	}
	got, ok := s.Get(a.ID)
	if !ok || got.Seq != a.Seq || got.Start != 3 {
		t.Fatalf("应保留原 Seq 与新区间: %+v", got)
	}
	act := s.Active()
	if act[1].Seq <= a.Seq || act[1].ID == "" {
		t.Fatalf("新条目应分配 ID 与递增 Seq: %+v", act[1])
	}
	s.ReplaceActive(nil)
	if s.Len() != 0 {
		t.Fatalf("应清空")
	}
}
