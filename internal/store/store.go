// Package store 持有批注的三个分区：active（展示中）、pending（在途请求键）、cache（内容哈希 → 结果）。
//
// 并发：Store 本身不加锁，由引擎事件循环锁串行化；二级缓存后端须自行并发安全。
package store

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"annotrack/pkg/contract"
)

// Store: 单会话批注存储。
type Store struct {
	active  map[string]contract.Annotation
	seq     uint64
	pending map[contract.RequestKey]struct{}
	cache   map[contract.RequestKey][]contract.Candidate
	backing contract.ResultCache
}

// New 构造存储；backing 可为 nil（仅内存缓存）。
func New(backing contract.ResultCache) *Store {
	return &Store{
		active:  make(map[string]contract.Annotation),
		pending: make(map[contract.RequestKey]struct{}),
		cache:   make(map[contract.RequestKey][]contract.Candidate),
		backing: backing,
	}
}

// UpsertActive 插入或更新批注；新批注分配 ID（若空）与插入序 Seq，更新保留原 Seq。
func (s *Store) UpsertActive(a contract.Annotation) contract.Annotation {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if old, ok := s.active[a.ID]; ok {
		a.Seq = old.Seq
	} else {
		s.seq++
		a.Seq = s.seq
	}
	a = a.Clone()
	s.active[a.ID] = a
	return a
}

// ReplaceActive 以 as 整体替换展示集合（用于变换后回写与重新加载）；保留各自的 ID 与 Seq。
func (s *Store) ReplaceActive(as []contract.Annotation) {
	s.active = make(map[string]contract.Annotation, len(as))
	for _, a := range as {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Seq == 0 {
			s.seq++
			a.Seq = s.seq
		}
		s.active[a.ID] = a.Clone()
	}
}

// RemoveActive 删除指定批注；返回是否存在。
func (s *Store) RemoveActive(id string) bool {
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return true
}

// RemoveActiveInRange 删除与 [start,end) 严格重叠的批注（start < end' && end > start'）。
// start == end 时仅删除严格包含该点的批注（插入点落在批注内部）。
func (s *Store) RemoveActiveInRange(start, end int) []contract.Annotation {
	var removed []contract.Annotation
	for id, a := range s.active {
		if a.Start < end && a.End > start {
			removed = append(removed, a)
			delete(s.active, id)
		}
	}
	sortAnnotations(removed)
	return removed
}

// Get 返回指定批注。
func (s *Store) Get(id string) (contract.Annotation, bool) {
	a, ok := s.active[id]
	if !ok {
		return contract.Annotation{}, false
	}
	return a.Clone(), true
}

// Active 返回全部展示中批注（按 Start、Seq 排序的副本）。
func (s *Store) Active() []contract.Annotation {
	out := make([]contract.Annotation, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a.Clone())
	}
	sortAnnotations(out)
	return out
}

// Len 返回展示中批注数。
func (s *Store) Len() int { return len(s.active) }

// HasEquivalent 判断是否已存在同类别、同区间、同规则与消息的批注（合并去重）。
func (s *Store) HasEquivalent(a contract.Annotation) bool {
	for _, b := range s.active {
		if b.Kind == a.Kind && b.Start == a.Start && b.End == a.End && b.RuleID == a.RuleID && b.Message == a.Message {
			return true
		}
	}
	return false
}

// Counts 返回各类别的展示中批注数。
func (s *Store) Counts() map[contract.Kind]int {
	out := make(map[contract.Kind]int, len(contract.Kinds()))
	for _, k := range contract.Kinds() {
		out[k] = 0
	}
	for _, a := range s.active {
		out[a.Kind]++
	}
	return out
}

// MarkPending 标记请求键在途；已在途返回 false。
func (s *Store) MarkPending(key contract.RequestKey) bool {
	if _, ok := s.pending[key]; ok {
		return false
	}
	s.pending[key] = struct{}{}
	return true
}

func (s *Store) ClearPending(key contract.RequestKey) { delete(s.pending, key) }

func (s *Store) IsPending(key contract.RequestKey) bool {
	_, ok := s.pending[key]
	return ok
}

// PendingLen 返回在途请求键数量。
func (s *Store) PendingLen() int { return len(s.pending) }

// GetCached 先查内存，再查二级后端（命中则回填内存）。
// 后端错误视为未命中并原样返回错误，供调用方记录。
func (s *Store) GetCached(ctx context.Context, key contract.RequestKey) ([]contract.Candidate, bool, error) {
	if c, ok := s.cache[key]; ok {
		return cloneCands(c), true, nil
	}
	if s.backing == nil {
		return nil, false, nil
	}
	c, ok, err := s.backing.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	s.cache[key] = cloneCands(c)
	return cloneCands(c), true, nil
}

// SetCached 写入内存并透写二级后端；会话内不过期。
func (s *Store) SetCached(ctx context.Context, key contract.RequestKey, cands []contract.Candidate) error {
	s.cache[key] = cloneCands(cands)
	if s.backing == nil {
		return nil
	}
	return s.backing.Put(ctx, key, cloneCands(cands))
}

// CacheLen 返回内存缓存条目数。
func (s *Store) CacheLen() int { return len(s.cache) }

func cloneCands(in []contract.Candidate) []contract.Candidate {
	out := make([]contract.Candidate, len(in))
	for i, c := range in {
		if c.Suggestions != nil {
			c.Suggestions = append([]string(nil), c.Suggestions...)
		}
		out[i] = c
	}
	return out
}

func sortAnnotations(as []contract.Annotation) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Start != as[j].Start {
			return as[i].Start < as[j].Start
		}
		return as[i].Seq < as[j].Seq
	})
}
