package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"annotrack/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	defer w.Close()
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "annotrack-current.txt")); err != nil {
		t.Fatalf("当前文件不存在: %v", err)
	}
	olds, err := w.Rotated()
	if err != nil || len(olds) != 1 {
		t.Fatalf("应存在 1 个轮转文件, got %v %v", olds, err)
	}
}

// UT-DIAG-02: 历史文件按保留数清理
func TestRotatingFilePrune(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFileWith(dir, "x", 10, 2)
	defer w.Close()
	for i := 0; i < 6; i++ {
		if err := w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	olds, _ := w.Rotated()
	if len(olds) != 2 {
		t.Fatalf("应仅保留 2 个历史文件, got %d", len(olds))
	}
}

// UT-DIAG-03: 指标 no-op 与计数实现
func TestMetrics(t *testing.T) {
	SetMetrics(nil)
	IncOp("comp", "stage", "success")
	IncError("comp", "code")
	ObserveDuration("comp", "stage", 1)

	c := NewCounters()
	SetMetrics(c)
	defer SetMetrics(nil)
	IncOp("sched", "flush", "success")
	IncOp("sched", "flush", "success")
	IncError("analyzer", "network")
	if c.Op("sched", "flush", "success") != 2 {
		t.Fatalf("计数错误")
	}
	if e := c.Errors(); len(e) != 1 || e[0] != "analyzer/network=1" {
		t.Fatalf("错误计数行错误: %v", e)
	}
}

type upErr struct{}

func (upErr) Error() string           { return "upstream 503" }
func (upErr) Timeout() bool           { return false }
func (upErr) Temporary() bool         { return true }
func (upErr) UpstreamStatus() int     { return 503 }
func (upErr) UpstreamMessage() string { return "busy" }

// UT-DIAG-04: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{contract.ErrResponseInvalid, CodeProtocol},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("wrap: %w", contract.ErrStale), CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{upErr{}, CodeNetwork},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrSeqInvalid, CodeInvariant},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %s 期望 %s", c.err, got, c.want)
		}
	}
}

// UT-DIAG-05: Logger 输出单行 JSON，字段与级别过滤
func TestLoggerWriter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("corr", "info", &buf)
	tm := l.StartWith("sched", "flush", "doc1", "k1")
	tm.Finish("ok", 3)
	l.DebugKV("sched", "hidden", "", "", nil)
	l.Drop("sched", "stale", "doc1", "k2", 1)
	Report(l, "analyzer", upErr{}, tm.Since(), "doc1", "k1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("应输出 4 行（debug 被过滤）, got %d: %q", len(lines), buf.String())
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("非 JSON: %v", err)
	}
	if ev.Stage != "finish" || ev.Doc != "doc1" || ev.Key != "k1" || ev.Count != 3 || ev.CorrID != "corr" {
		t.Fatalf("finish 事件字段错误: %+v", ev)
	}
	_ = json.Unmarshal([]byte(lines[3]), &ev)
	if ev.Level != "error" || ev.Code != string(CodeNetwork) || ev.KV["http_status"] != "503" || ev.KV["upstream"] != "busy" {
		t.Fatalf("上游错误事件字段错误: %+v", ev)
	}
}

// UT-DIAG-06: nil Logger/Timer 均为 no-op
func TestNilLogger(t *testing.T) {
	var l *Logger
	tm := l.Start("comp", "msg")
	tm.Finish("x", 0)
	if tm.Since() != nil {
		t.Fatalf("nil 计时器起点应为 nil")
	}
	l.ErrorWith("comp", "code", "msg", nil, "", "")
	l.Drop("comp", "msg", "", "", 0)
	Report(l, "comp", errors.New("x"), nil, "", "")
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

// UT-DIAG-07: 文件 sink 路径
func TestLoggerDir(t *testing.T) {
	dir := t.TempDir()
	l := NewLoggerDir("corr", "debug", dir)
	l.Start("comp", "msg").Finish("ok", 1)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "annotrack-current.txt"))
	if err != nil || !strings.Contains(string(b), `"stage":"finish"`) {
		t.Fatalf("日志文件内容错误: %v %q", err, b)
	}
	if Warn.String() != "warn" || Level(12345).String() != "info" {
		t.Fatalf("Level.String 错误")
	}
}

// UT-DIAG-08: 终端（非 TTY）关键节点输出
func TestTerminalNonTTY(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.SessionStart("docs/essay.json", "mock", 2048, 1500)
	term.Progress(1, 2, 3) // 非 TTY：不输出进度
	term.SessionFinish(true, 7)
	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	if !strings.Contains(out, "[doc] docs/essay.json | 2.0 kB | 1,500 字符 | analyzer=mock") {
		t.Fatalf("missing doc line: %q", out)
	}
	if !strings.Contains(out, "[ok] docs/essay.json | 批注 7") {
		t.Fatalf("missing finish line: %q", out)
	}
}

// UT-DIAG-09: 终端（TTY）节流与清尾
func TestTerminalTTYThrottle(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.SessionStart("a.json", "mock", 10, 10)
	term.Progress(1, 0, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[run]") {
		t.Fatalf("progress should be inline with CR: %q", first)
	}
	term.Progress(2, 0, 0)
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	term.Progress(0, 0, 4)
	term.SessionFinish(false, 4)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 || !strings.Contains(final[:idx], "\r") {
		t.Fatalf("finish should clear inline line first: %q", final)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// UT-DIAG-10: 写失败降级为禁用态；nil 终端 no-op
func TestTerminalDisable(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.SessionStart("a", "x", 0, 0)
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.Progress(0, 0, 0)
	term.SessionFinish(true, 0)

	var tn *Terminal
	tn.SessionStart("a", "x", 0, 0)
	tn.Progress(0, 0, 0)
	tn.SessionFinish(true, 0)

	t.Setenv("CI", "true")
	if NewTerminal(os.Stderr, true).isTTY {
		t.Fatalf("CI env should force non-tty")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
}

// UT-DIAG-11: 工具函数
func TestHelpers(t *testing.T) {
	if shorten("这是一个很长的文件名用于截断测试", 5) != "这是一个…" {
		t.Fatalf("shorten 错误: %q", shorten("这是一个很长的文件名用于截断测试", 5))
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur 错误")
	}
}
