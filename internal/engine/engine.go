// Package engine 组装单文档编辑会话：操作日志、批注存储、位置变换与请求调度。
//
// - 事件循环：一把会话锁串行化全部状态变更（编辑、计时器触发、响应合并）；
// - 编辑先于下一次编辑完成变换并可见；
// - 网络调用在独立 goroutine 中进行，经会话锁回到循环内合并；
// - 外部只读取展示投影（Active/Visible/Decorations），或订阅变更通知；
//   终端进度由独立 goroutine 输出，不占用会话锁。
package engine

import (
	"errors"
	"fmt"
	"sync"

	"annotrack/internal/diag"
	"annotrack/internal/docmap"
	"annotrack/internal/oplog"
	"annotrack/internal/render"
	"annotrack/internal/resolve"
	"annotrack/internal/sched"
	"annotrack/internal/store"
	"annotrack/internal/transform"
	"annotrack/pkg/contract"
)

// Components 聚合外部依赖（显式构造后注入）。
type Components struct {
	Segments contract.SegmentAnalyzer  // 增量分段分析（可为 nil）
	Document contract.DocumentAnalyzer // 整文档分析（可为 nil）
	Cache    contract.ResultCache      // 二级结果缓存（可为 nil，仅内存）
}

// Settings 会话参数。
type Settings struct {
	DocID string
	Sched sched.Options
}

// Notice: 展示集合变化通知（合并发送，订阅方只需读取最新状态）。
type Notice struct {
	Version contract.Version
	Active  int
}

// Engine: 单文档会话。并发安全。
type Engine struct {
	mu    sync.Mutex
	log   *diag.Logger
	docID string

	st    *store.Store
	ops   *oplog.Log
	sched *sched.Scheduler

	tree *contract.Node
	flat *docmap.Flat

	subs    map[int]chan Notice
	nextSub int
	closed  bool

	prog   chan progress // 容量 1，积压时只保留最新
	report func(progress)
}

type progress struct{ inflight, queued, active int }

// New 构造空会话；调用 Load 装入初始文档。
func New(comp Components, set Settings, logger *diag.Logger) *Engine {
	e := &Engine{
		log:   logger,
		docID: set.DocID,
		st:    store.New(comp.Cache),
		ops:   oplog.New(0),
		flat:  docmap.Flatten(nil),
		subs:  make(map[int]chan Notice),
		prog:  make(chan progress, 1),
	}
	e.report = termProgress
	opt := set.Sched
	if opt.DocID == "" {
		opt.DocID = set.DocID
	}
	e.sched = sched.New(&e.mu, e.st, (*host)(e), comp.Segments, comp.Document, opt, logger)
	go e.pumpProgress()
	return e
}

func termProgress(p progress) {
	diag.GetTerminal().Progress(p.inflight, p.queued, p.active)
}

// pumpProgress 在会话锁之外输出进度；Close 关闭 prog 后退出。
func (e *Engine) pumpProgress() {
	for p := range e.prog {
		e.report(p)
	}
}

// Load 以 tree 作为新的基线：清空展示集合，按块提交分段分析。
func (e *Engine) Load(tree *contract.Node) (contract.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, contract.ErrClosed
	}
	if err := e.ops.Advance(e.ops.Head() + 1); err != nil {
		return 0, err
	}
	e.tree = tree.Clone()
	e.flat = docmap.Flatten(e.tree)
	e.st.ReplaceActive(nil)
	e.sched.Discard()
	e.sched.OnEdit(e.flat.Runes, lines(e.flat.Runes), e.ops.Head())
	e.log.DebugKV("engine", "load", e.docID, "", map[string]string{"runes": fmt.Sprint(e.flat.Len())})
	e.notify()
	return e.ops.Head(), nil
}

// ApplyEdit 提交宿主编辑器已执行的操作与编辑后的文档树。
// ops 依次作用于当前文本（后一个操作使用前一个操作之后的坐标）；
// 应用后的长度须与 tree 的扁平长度一致，否则整体拒绝且不修改状态。
func (e *Engine) ApplyEdit(tree *contract.Node, ops ...contract.TextOperation) (contract.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, contract.ErrClosed
	}
	return e.commit(tree, ops)
}

// Update 仅给出编辑后的文档树，由前后扁平文本推导操作。
func (e *Engine) Update(tree *contract.Node) (contract.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, contract.ErrClosed
	}
	next := docmap.Flatten(tree)
	ops := docmap.Diff(e.flat.Runes, next.Runes)
	if len(ops) == 0 {
		// 仅结构变化：替换树，偏移不变
		e.tree, e.flat = tree.Clone(), next
		e.notify()
		return e.ops.Head(), nil
	}
	return e.commit(tree, ops)
}

// Edit 在会话自身的文档树上执行操作（命令行与测试使用）。
func (e *Engine) Edit(ops ...contract.TextOperation) (contract.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, contract.ErrClosed
	}
	tree := e.tree
	for _, op := range ops {
		next, err := docmap.Apply(tree, op)
		if err != nil {
			return e.ops.Head(), fmt.Errorf("edit: %w", err)
		}
		tree = next
	}
	return e.commit(tree, ops)
}

func (e *Engine) commit(tree *contract.Node, ops []contract.TextOperation) (contract.Version, error) {
	next := docmap.Flatten(tree)
	size, last := e.flat.Len(), e.ops.Head()
	for _, op := range ops {
		if err := contract.ValidateOp(op, size); err != nil {
			return e.ops.Head(), err
		}
		switch {
		case op.Length == 0:
		case op.Version == 0:
			last++
		case op.Version <= last:
			return e.ops.Head(), fmt.Errorf("edit: version %d <= %d: %w", op.Version, last, contract.ErrSeqInvalid)
		default:
			last = op.Version
		}
		size += op.Delta()
	}
	if size != next.Len() {
		return e.ops.Head(), fmt.Errorf("edit: ops yield %d runes, tree has %d: %w", size, next.Len(), contract.ErrInvalidInput)
	}
	tm := e.log.StartWith("engine", "edit", e.docID, "")

	applied := make([]contract.TextOperation, 0, len(ops))
	removed := 0
	for _, op := range ops {
		if op.Length == 0 {
			continue
		}
		rec, err := e.ops.Append(op)
		if err != nil {
			diag.Report(e.log, "engine", err, tm.Since(), e.docID, "")
			return e.ops.Head(), err
		}
		// 编辑落在批注内部：直接移除（操作前坐标，严格重叠）
		removed += len(e.st.RemoveActiveInRange(rec.Position, rec.End()))
		e.transformActive(rec)
		applied = append(applied, rec)
	}
	if len(applied) == 0 {
		e.tree = tree.Clone()
		e.flat = next
		return e.ops.Head(), nil
	}
	e.tree = tree.Clone()
	e.flat = next

	// 变换后复核原文
	keep := e.st.Active()
	kept := keep[:0]
	for _, a := range keep {
		if transform.Verify(a, next.Runes) {
			kept = append(kept, a)
			continue
		}
		removed++
	}
	e.st.ReplaceActive(kept)

	changed := make([]contract.Range, 0, len(applied))
	for i, op := range applied {
		changed = append(changed, transform.ShiftRange(transform.Touched(op), applied[i+1:]))
	}
	changed = append(changed, e.sched.Rebase(applied, next.Runes)...)
	e.sched.OnEdit(next.Runes, changed, e.ops.Head())

	tm.Finish("ok", int64(len(applied)))
	if removed > 0 {
		diag.IncOp("engine", "invalidate", "drop")
		e.log.Drop("engine", "invalidated annotations", e.docID, "", int64(removed))
	}
	e.notify()
	return e.ops.Head(), nil
}

// transformActive 将全部展示中批注折叠过单个操作；失效者移除。
func (e *Engine) transformActive(op contract.TextOperation) {
	one := []contract.TextOperation{op}
	act := e.st.Active()
	out := act[:0]
	for _, a := range act {
		if moved, ok := transform.Transform(a, one); ok {
			out = append(out, moved)
		}
	}
	e.st.ReplaceActive(out)
}

// AnalyzeDocument 发起一次整文档分析；新调用取消尚未返回的上一次。
func (e *Engine) AnalyzeDocument() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return contract.ErrClosed
	}
	if e.tree == nil {
		return fmt.Errorf("analyze: no document loaded: %w", contract.ErrInvalidInput)
	}
	return e.sched.AnalyzeDocument(e.tree, e.flat.Text, e.ops.Head())
}

// Flush 立即发出排队的分段请求。
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sched.Flush()
}

// Wait 发出排队请求并等待全部在途调用结束（不得在订阅回调中调用）。
func (e *Engine) Wait() {
	e.Flush()
	e.sched.Wait()
}

// Version 返回当前文档版本。
func (e *Engine) Version() contract.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ops.Head()
}

// Snapshot 返回当前扁平文本与版本。
func (e *Engine) Snapshot() contract.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return contract.Snapshot{Text: e.flat.Text, Version: e.ops.Head()}
}

// Tree 返回当前文档树的副本。
func (e *Engine) Tree() *contract.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Clone()
}

// Active 返回全部展示中批注（未裁决）。
func (e *Engine) Active() []contract.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Active()
}

// Visible 返回裁决后的互不重叠批注。
func (e *Engine) Visible() []contract.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return resolve.Resolve(e.st.Active())
}

// Decorations 返回当前文档树上的装饰片段。
func (e *Engine) Decorations() []contract.Decoration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return render.DecorationsFlat(e.flat, e.st.Active())
}

// Counts 返回各类别展示中批注数。
func (e *Engine) Counts() map[contract.Kind]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Counts()
}

// Stats 返回调度器计数。
func (e *Engine) Stats() sched.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.Stats()
}

// Dismiss 由用户忽略一条批注。
func (e *Engine) Dismiss(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.RemoveActive(id) {
		return false
	}
	e.notify()
	return true
}

// ErrNoSuggestion: 批注不存在或没有对应序号的替换建议。
var ErrNoSuggestion = errors.New("engine: no such suggestion")

// ApplySuggestion 以第 idx 条建议替换批注区间，返回已提交的操作（供宿主编辑器同步）。
func (e *Engine) ApplySuggestion(id string, idx int) ([]contract.TextOperation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, contract.ErrClosed
	}
	a, ok := e.st.Get(id)
	if !ok || idx < 0 || idx >= len(a.Suggestions) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrNoSuggestion, id, idx)
	}
	ops := []contract.TextOperation{contract.Delete(a.Start, a.End-a.Start)}
	if s := a.Suggestions[idx]; s != "" {
		ops = append(ops, contract.Insert(a.Start, s))
	}
	tree := e.tree
	for _, op := range ops {
		next, err := docmap.Apply(tree, op)
		if err != nil {
			return nil, fmt.Errorf("apply suggestion: %w", err)
		}
		tree = next
	}
	head := e.ops.Head()
	if _, err := e.commit(tree, ops); err != nil {
		return nil, err
	}
	e.st.RemoveActive(id)
	return e.ops.Since(head), nil
}

// Subscribe 返回变更通知通道与取消函数。通道容量为 1，积压时只保留最新通知。
func (e *Engine) Subscribe() (<-chan Notice, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Notice, 1)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *Engine) notify() {
	n := Notice{Version: e.ops.Head(), Active: e.st.Len()}
	for _, ch := range e.subs {
		select {
		case ch <- n:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- n
		}
	}
	if e.closed {
		return
	}
	s := e.sched.Stats()
	p := progress{inflight: s.InFlight, queued: s.Queued, active: n.Active}
	select {
	case e.prog <- p:
	default:
		select {
		case <-e.prog:
		default:
		}
		e.prog <- p
	}
}

// Close 结束会话：取消在途调用，关闭订阅通道。可重复调用。
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.sched.Close()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	close(e.prog)
	e.mu.Unlock()
	e.sched.Wait()
}

// host 将调度结果合并回会话（调用时会话锁已持有）。
type host Engine

func (h *host) Merge(m sched.Merge) {
	e := (*Engine)(h)
	if e.closed {
		return
	}
	later := e.ops.Since(m.Version)
	added, stale := 0, 0
	for _, c := range m.Cands {
		a := contract.Annotation{
			Kind:        c.Kind,
			Start:       m.Base + c.Range.Start,
			End:         m.Base + c.Range.End,
			Version:     m.Version,
			SourceText:  c.Text,
			Message:     c.Message,
			Suggestions: c.Suggestions,
			RuleID:      c.RuleID,
			RequestKey:  m.Key,
		}
		moved, ok := transform.Rebase(a, later, e.flat.Runes)
		if !ok {
			stale++
			continue
		}
		if e.st.HasEquivalent(moved) {
			continue
		}
		e.st.UpsertActive(moved)
		added++
	}
	if stale > 0 {
		e.log.Drop("engine", "stale suggestions", e.docID, string(m.Key), int64(stale))
	}
	e.log.DebugKV("engine", "merge", e.docID, string(m.Key), map[string]string{
		"added": fmt.Sprint(added), "full": fmt.Sprint(m.Full), "version": fmt.Sprint(m.Version),
	})
	if added > 0 {
		diag.IncOp("engine", "merge", "success")
		e.notify()
	}
}

// lines 返回每个非空行（块）的区间。
func lines(rs []rune) []contract.Range {
	var out []contract.Range
	start := 0
	for i, r := range rs {
		if r == '\n' {
			if i > start {
				out = append(out, contract.Range{Start: start, End: i})
			}
			start = i + 1
		}
	}
	if start < len(rs) {
		out = append(out, contract.Range{Start: start, End: len(rs)})
	}
	return out
}
