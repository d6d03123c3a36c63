package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// Terminal: 终端信息提示（非日志）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	doc      string
	analyzer string
	start    time.Time

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供调度器旁路调用）。
var (
	termMu  sync.RWMutex
	current *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); current = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return current }

// NewTerminal 构造终端提示器；enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = term.IsTerminal(int(f.Fd()))
		}
	}
	return t
}

// SessionStart: 打印文档与分析器概要。
func (t *Terminal) SessionStart(doc, analyzer string, bytes, runes int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.doc = shorten(doc, 48)
	t.analyzer = analyzer
	t.start = time.Now()
	t.println(fmt.Sprintf("[doc] %s | %s | %s 字符 | analyzer=%s",
		t.doc, humanize.Bytes(uint64(bytes)), humanize.Comma(int64(runes)), safe(analyzer)))
}

// Progress: 在途/排队/展示中数量（TTY 下 ≥100ms 节流单行覆盖）。
func (t *Terminal) Progress(inflight, queued, active int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[run] %s | 在途 %d | 排队 %d | 批注 %d | 用时 %s",
		t.doc, inflight, queued, active, formatDur(time.Since(t.start))))
}

// SessionFinish: 结束总览。
func (t *Terminal) SessionFinish(ok bool, active int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("[%s] %s | 批注 %d | 总用时 %s (%s)",
		tag, t.doc, active, formatDur(time.Since(t.start)), humanize.Time(t.start)))
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	if _, err := io.WriteString(t.w, "\r"+s+strings.Repeat(" ", pad)); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

func shorten(s string, max int) string {
	s = safe(strings.TrimSpace(s))
	rs := []rune(s)
	if max <= 1 || len(rs) <= max {
		return s
	}
	return string(rs[:max-1]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", max(d.Milliseconds(), 0))
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
