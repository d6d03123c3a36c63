// Package sched 将编辑产生的变更区域转化为去重、防抖、节流后的分析请求。
//
// 并发约定：除 Wait 外的全部方法都要求调用方持有事件循环锁（构造时传入的 sync.Locker）；
// 计时器回调与响应回调会自行获取该锁后再修改状态或回调 Host。
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode"

	"github.com/benbjohnson/clock"
	"github.com/rivo/uniseg"

	"annotrack/internal/diag"
	"annotrack/internal/rate"
	"annotrack/internal/store"
	"annotrack/internal/transform"
	"annotrack/pkg/contract"
)

// Options: 调度参数；零值字段由 defaults 补齐。
type Options struct {
	Debounce        time.Duration // 静默期，每次编辑重置
	ThrottleFloor   time.Duration // 相邻两次自动发出的最小间隔；连续输入自首个入队起超过即立即发出
	ContextMargin   int           // 变更区域两侧附加的上下文 rune 数（负值为不附加）
	MinSegmentRunes int           // 非空白 rune 少于该值的片段不请求
	RequestTimeout  time.Duration // 单次分析调用超时

	Clock     clock.Clock
	Gate      rate.Gate
	GateKey   rate.LimitKey
	Estimator rate.Estimator
	DocID     string // 仅用于日志
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.ThrottleFloor <= 0 {
		o.ThrottleFloor = 2 * time.Second
	}
	// 0 取默认值，负值表示不附加上下文
	switch {
	case o.ContextMargin == 0:
		o.ContextMargin = 20
	case o.ContextMargin < 0:
		o.ContextMargin = 0
	}
	if o.MinSegmentRunes <= 0 {
		o.MinSegmentRunes = 3
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Estimator == nil {
		o.Estimator = rate.MakeEstimator(0)
	}
}

// Merge: 一次分析结果（缓存命中或网络响应），偏移相对于 Base 处、Version 时刻的 Source。
type Merge struct {
	Key     contract.RequestKey
	Base    int
	Version contract.Version
	Source  string
	Cands   []contract.Candidate
	Full    bool // 整文档分析结果
}

// Host 接收结果；调用时事件循环锁已被持有。
type Host interface {
	Merge(m Merge)
}

// loc: 同一片段文本在文档中的一处出现。
type loc struct {
	r       contract.Range
	version contract.Version
}

// entry: 一个请求键及其全部出现位置；结果按位置逐一合并。
type entry struct {
	key  contract.RequestKey
	text string
	locs []loc
}

// add 记录一处出现；同一区间只保留最新版本。
func (e *entry) add(l loc) {
	for i := range e.locs {
		if e.locs[i].r == l.r {
			e.locs[i] = l
			return
		}
	}
	e.locs = append(e.locs, l)
}

// Stats: 诊断用计数。
type Stats struct {
	Queued   int
	InFlight int
	Calls    int
	CacheHit int
	Dropped  int
}

// Scheduler: 单会话请求调度器。
type Scheduler struct {
	mu   sync.Locker
	opt  Options
	st   *store.Store
	host Host
	seg  contract.SegmentAnalyzer
	doc  contract.DocumentAnalyzer
	log  *diag.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	queue    []*entry
	flying   map[contract.RequestKey]*entry
	timer    *clock.Timer
	gen      uint64
	burst    time.Time
	lastCall time.Time

	docGen    uint64
	docCancel context.CancelFunc

	stats Stats
}

// New 构造调度器。seg/doc 任一可为 nil（对应分析方式不可用）。
func New(mu sync.Locker, st *store.Store, host Host, seg contract.SegmentAnalyzer, doc contract.DocumentAnalyzer, opt Options, logger *diag.Logger) *Scheduler {
	opt.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		mu: mu, opt: opt, st: st, host: host, seg: seg, doc: doc, log: logger,
		ctx: ctx, cancel: cancel, flying: make(map[contract.RequestKey]*entry),
	}
}

// Stats 返回计数快照。
func (s *Scheduler) Stats() Stats {
	out := s.stats
	out.Queued = len(s.queue)
	return out
}

// OnEdit 处理一次编辑后的变更区域（text 为编辑后的扁平文本，changed 为其坐标下的区域）。
func (s *Scheduler) OnEdit(text []rune, changed []contract.Range, v contract.Version) {
	if s.closed || s.seg == nil {
		return
	}
	changed = s.absorb(changed)
	for _, r := range Expand(text, changed, s.opt.ContextMargin) {
		seg := string(text[r.Start:r.End])
		if nonSpace(seg) < s.opt.MinSegmentRunes {
			continue
		}
		key := contract.KeyOf(seg)
		if s.serveCached(key, r.Start, v, seg, false) {
			continue
		}
		l := loc{r: r, version: v}
		if s.st.IsPending(key) {
			// 在途键不重复请求，位置随该次响应一并合并
			if e := s.flying[key]; e != nil {
				e.add(l)
			}
			diag.IncOp("sched", "dedup", "pending")
			continue
		}
		if e := s.queued(key); e != nil {
			e.add(l)
			continue
		}
		s.queue = append(s.queue, &entry{key: key, text: seg, locs: []loc{l}})
	}
	if len(s.queue) == 0 {
		return
	}
	now := s.opt.Clock.Now()
	if s.burst.IsZero() {
		s.burst = now
	}
	if now.Sub(s.burst) >= s.opt.ThrottleFloor && now.Sub(s.lastCall) >= s.opt.ThrottleFloor {
		s.Flush()
		return
	}
	d := s.opt.Debounce
	if !s.lastCall.IsZero() {
		// 距上次发出不足节流间隔时推迟到间隔结束
		if gap := s.lastCall.Add(s.opt.ThrottleFloor).Sub(now); gap > d {
			d = gap
		}
	}
	s.arm(d)
}

func (s *Scheduler) serveCached(key contract.RequestKey, base int, v contract.Version, src string, full bool) bool {
	cands, ok, err := s.st.GetCached(s.ctx, key)
	if err != nil {
		diag.Report(s.log, "cache", err, nil, s.opt.DocID, string(key))
		return false
	}
	if !ok {
		return false
	}
	s.stats.CacheHit++
	diag.IncOp("sched", "cache", "hit")
	s.host.Merge(Merge{Key: key, Base: base, Version: v, Source: src, Cands: cands, Full: full})
	return true
}

// absorb 将与变更区域重叠或相接的排队位置出队，并把其区间并入变更区域重新计算。
func (s *Scheduler) absorb(changed []contract.Range) []contract.Range {
	kept := s.queue[:0]
	for _, e := range s.queue {
		locs := e.locs[:0]
		for _, l := range e.locs {
			if touches(l.r, changed) {
				changed = append(changed, l.r)
				continue
			}
			locs = append(locs, l)
		}
		if e.locs = locs; len(locs) > 0 {
			kept = append(kept, e)
		}
	}
	s.queue = kept
	return changed
}

func touches(r contract.Range, changed []contract.Range) bool {
	for _, c := range changed {
		if r.Start <= c.End && c.Start <= r.End {
			return true
		}
	}
	return false
}

func (s *Scheduler) queued(key contract.RequestKey) *entry {
	for _, e := range s.queue {
		if e.key == key {
			return e
		}
	}
	return nil
}

// arm 重置防抖计时器；gen 使已被取代的回调失效。
// 已启动且未停止的计时器计入 wg，Wait 会等待其触发。
func (s *Scheduler) arm(d time.Duration) {
	s.stopTimer()
	s.gen++
	gen := s.gen
	s.wg.Add(1)
	s.timer = s.opt.Clock.AfterFunc(d, func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || gen != s.gen {
			return
		}
		s.timer = nil
		s.Flush()
	})
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil && s.timer.Stop() {
		s.wg.Done()
	}
	s.timer = nil
}

// Rebase 将排队请求的区间折叠过 ops；文本已变化的请求出队，返回其（新坐标下的）区域供重新计算。
func (s *Scheduler) Rebase(ops []contract.TextOperation, text []rune) []contract.Range {
	if len(ops) == 0 || len(s.queue) == 0 {
		return nil
	}
	var stale []contract.Range
	kept := s.queue[:0]
	for _, e := range s.queue {
		locs := e.locs[:0]
		for _, l := range e.locs {
			a := contract.Annotation{Start: l.r.Start, End: l.r.End, Version: l.version, SourceText: e.text}
			moved, ok := transform.Rebase(a, ops, text)
			if !ok {
				stale = append(stale, transform.ShiftRange(l.r, ops))
				continue
			}
			locs = append(locs, loc{r: moved.Range(), version: moved.Version})
		}
		if e.locs = locs; len(locs) > 0 {
			kept = append(kept, e)
		}
	}
	s.queue = kept
	return stale
}

// Discard 丢弃排队请求并停止防抖计时（文档基线被整体替换时）；在途调用不受影响。
func (s *Scheduler) Discard() {
	s.stopTimer()
	s.gen++
	s.burst = time.Time{}
	s.queue = nil
}

// Flush 立即发出全部排队请求（一次批量分段调用）。
func (s *Scheduler) Flush() {
	s.stopTimer()
	s.gen++
	s.burst = time.Time{}
	if s.closed || len(s.queue) == 0 {
		return
	}
	s.lastCall = s.opt.Clock.Now()
	batch := s.queue
	s.queue = nil
	segs := make([]contract.Segment, 0, len(batch))
	texts := make([]string, 0, len(batch))
	for _, e := range batch {
		s.st.MarkPending(e.key)
		s.flying[e.key] = e
		segs = append(segs, contract.Segment{ID: string(e.key), Text: e.text})
		texts = append(texts, e.text)
	}
	s.stats.Calls++
	s.stats.InFlight += len(batch)
	s.wg.Add(1)
	go s.sendSegments(batch, segs, texts)
}

func (s *Scheduler) sendSegments(batch []*entry, segs []contract.Segment, texts []string) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, s.opt.RequestTimeout)
	defer cancel()
	tm := s.log.StartWithKV("sched", "segments", s.opt.DocID, "", map[string]string{"n": fmt.Sprint(len(segs))})

	var res []contract.SegmentResult
	err := s.admit(ctx, texts...)
	if err == nil {
		res, err = s.seg.AnalyzeSegments(ctx, segs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.InFlight -= len(batch)
	for _, e := range batch {
		s.st.ClearPending(e.key)
		delete(s.flying, e.key)
	}
	if s.closed {
		s.stats.Dropped += len(batch)
		s.log.Drop("sched", "closed", s.opt.DocID, "", int64(len(batch)))
		return
	}
	if err != nil {
		// 失败不缓存：该批次各键视为无建议，后续编辑可重试
		diag.Report(s.log, "sched", err, tm.Since(), s.opt.DocID, "")
		return
	}
	byID := make(map[string][]contract.Suggestion, len(res))
	for _, r := range res {
		byID[r.ID] = append(byID[r.ID], r.Feedback...)
	}
	total := 0
	for _, e := range batch {
		fb, ok := byID[string(e.key)]
		if !ok {
			s.log.Drop("sched", "segment missing from response", s.opt.DocID, string(e.key), 1)
			continue
		}
		cands, rejected := contract.ValidateSuggestions([]rune(e.text), fb)
		if rejected > 0 {
			diag.IncError("sched", string(diag.CodeProtocol))
			s.log.Drop("sched", "invalid suggestions", s.opt.DocID, string(e.key), int64(rejected))
		}
		if err := s.st.SetCached(ctx, e.key, cands); err != nil {
			diag.Report(s.log, "cache", err, nil, s.opt.DocID, string(e.key))
		}
		total += len(cands)
		for _, l := range e.locs {
			s.host.Merge(Merge{Key: e.key, Base: l.r.Start, Version: l.version, Source: e.text, Cands: cands})
		}
	}
	diag.IncOp("sched", "segments", "success")
	tm.Finish("ok", int64(total))
}

// admit 在发出前通过限流闸门（未配置时直接放行）。
func (s *Scheduler) admit(ctx context.Context, texts ...string) error {
	if s.opt.Gate == nil {
		return nil
	}
	return s.opt.Gate.Wait(ctx, rate.AskFor(s.opt.GateKey, s.opt.Estimator, texts...))
}

// AnalyzeDocument 发起整文档分析（单飞）：先取消上一次在途调用，再发送本次。
// flat 必须是 tree 在版本 v 的扁平文本。
func (s *Scheduler) AnalyzeDocument(tree *contract.Node, flat string, v contract.Version) error {
	if s.closed {
		return contract.ErrClosed
	}
	if s.doc == nil {
		return fmt.Errorf("sched: no document analyzer: %w", contract.ErrInvalidInput)
	}
	if s.docCancel != nil {
		s.docCancel()
		s.docCancel = nil
	}
	s.docGen++
	key := contract.KeyOf(flat)
	if s.serveCached(key, 0, v, flat, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opt.RequestTimeout)
	s.docCancel = cancel
	s.stats.Calls++
	s.stats.InFlight++
	s.wg.Add(1)
	go s.sendDocument(ctx, cancel, s.docGen, key, tree.Clone(), flat, v)
	return nil
}

func (s *Scheduler) sendDocument(ctx context.Context, cancel context.CancelFunc, gen uint64, key contract.RequestKey, tree *contract.Node, flat string, v contract.Version) {
	defer s.wg.Done()
	defer cancel()
	tm := s.log.StartWith("sched", "document", s.opt.DocID, string(key))

	var sugs []contract.Suggestion
	err := s.admit(ctx, flat)
	if err == nil {
		sugs, err = s.doc.AnalyzeDocument(ctx, tree)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.InFlight--
	current := gen == s.docGen
	if current {
		s.docCancel = nil
	}
	if !current || s.closed || errors.Is(ctx.Err(), context.Canceled) {
		// 被取代或已取消的响应无条件丢弃
		s.stats.Dropped++
		s.log.Drop("sched", "superseded document analysis", s.opt.DocID, string(key), int64(len(sugs)))
		diag.IncOp("sched", "document", "drop")
		return
	}
	if err != nil {
		diag.Report(s.log, "sched", err, tm.Since(), s.opt.DocID, string(key))
		return
	}
	cands, rejected := contract.ValidateSuggestions([]rune(flat), sugs)
	if rejected > 0 {
		diag.IncError("sched", string(diag.CodeProtocol))
		s.log.Drop("sched", "invalid suggestions", s.opt.DocID, string(key), int64(rejected))
	}
	if err := s.st.SetCached(s.ctx, key, cands); err != nil {
		diag.Report(s.log, "cache", err, nil, s.opt.DocID, string(key))
	}
	diag.IncOp("sched", "document", "success")
	s.host.Merge(Merge{Key: key, Base: 0, Version: v, Source: flat, Cands: cands, Full: true})
	tm.Finish("ok", int64(len(cands)))
}

// Wait 阻塞直到已启动的防抖计时触发且全部在途调用返回。调用方不得持有事件循环锁。
func (s *Scheduler) Wait() { s.wg.Wait() }

// Close 取消全部在途调用并丢弃排队请求；之后的结果不再回调 Host。
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimer()
	s.gen++
	s.queue = nil
	s.cancel()
}

// Expand 将变更区域按行（块）切分，扩展到词边界并附加上下文；片段不跨越块分隔符，
// 边界对齐字素簇，重叠或相接者合并。
func Expand(text []rune, changed []contract.Range, margin int) []contract.Range {
	n := len(text)
	out := make([]contract.Range, 0, len(changed))
	for _, c := range changed {
		st := clamp(c.Start, 0, n)
		en := clamp(c.End, st, n)
		for pos := st; ; {
			ls, le := pos, pos
			for ls > 0 && text[ls-1] != '\n' {
				ls--
			}
			for le < n && text[le] != '\n' {
				le++
			}
			a := wordStart(text, max(ls, max(st, ls)-margin), ls)
			b := wordEnd(text, min(le, min(en, le)+margin), le)
			a, b = snapGraphemes(text, ls, le, a, b)
			if a < b {
				out = append(out, contract.Range{Start: a, End: b})
			}
			if le >= en || le >= n {
				break
			}
			pos = le + 1
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	merged := out[:0]
	for _, r := range out {
		if k := len(merged) - 1; k >= 0 && r.Start <= merged[k].End {
			merged[k].End = max(merged[k].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func wordStart(text []rune, i, floor int) int {
	for i > floor && !unicode.IsSpace(text[i-1]) {
		i--
	}
	return i
}

func wordEnd(text []rune, i, ceil int) int {
	for i < ceil && !unicode.IsSpace(text[i]) {
		i++
	}
	return i
}

// snapGraphemes 将 [st,en) 外扩到 [ls,le) 行内的字素簇边界。
func snapGraphemes(text []rune, ls, le, st, en int) (int, int) {
	if ls >= le {
		return st, en
	}
	g := uniseg.NewGraphemes(string(text[ls:le]))
	pos := ls
	for g.Next() {
		next := pos + len(g.Runes())
		if st > pos && st < next {
			st = pos
		}
		if en > pos && en < next {
			en = next
		}
		pos = next
	}
	return st, en
}

func nonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
