package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Logger 为最小结构化日志器：单行 JSON；默认写入 logs/ 目录并按 10MiB 轮转。
// nil *Logger 的全部方法均为 no-op，便于组件在测试中不注入日志器。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	w      io.Writer
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认目录 logs，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewLoggerDir(corrID, level, "logs")
}

// NewLoggerDir 与 NewLogger 相同，但可指定日志目录。
func NewLoggerDir(corrID, level, dir string) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	return &Logger{corrID: corrID, level: lvl, sink: NewRotatingFile(dir, 10*1024*1024)}
}

// NewWriterLogger 将事件直接写到 w（测试或管道场景）。
func NewWriterLogger(corrID, level string, w io.Writer) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(strings.TrimSpace(level)), w: w}
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|drop
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Doc    string            `json:"doc,omitempty"`
	Key    string            `json:"key,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.w != nil:
		_, _ = l.w.Write(append(b, '\n'))
	case l.sink != nil:
		if err := l.sink.WriteLine(b); err != nil {
			fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
			_, _ = os.Stderr.Write(append(b, '\n'))
		}
	default:
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 doc/key 的 start。
func (l *Logger) StartWith(comp, msg, doc, key string) *Timer {
	return l.StartWithKV(comp, msg, doc, key, nil)
}

// StartWithKV 记录带 doc/key 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, doc, key string, kv map[string]string) *Timer {
	if l == nil {
		return nil
	}
	l.log(Info, Event{Comp: comp, Stage: "start", Doc: doc, Key: key, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, doc: doc, key: key, t0: time.Now()}
}

// ErrorWith 记录 error 事件（不采样）。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, doc, key string) {
	l.ErrorWithKV(comp, code, msg, durSince, doc, key, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, doc, key string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Doc: doc, Key: key, KV: kv})
}

// Drop 记录被丢弃的结果（过期/取消/校验失败），warn 级别。
func (l *Logger) Drop(comp, msg, doc, key string, count int64) {
	l.log(Warn, Event{Comp: comp, Stage: "drop", Count: count, Doc: doc, Key: key, Msg: msg})
}

// DebugKV 输出调试事件（仅在 level=debug 时生效）。
func (l *Logger) DebugKV(comp, msg, doc, key string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "debug", Doc: doc, Key: key, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l    *Logger
	comp string
	doc  string
	key  string
	t0   time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	d := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, "finish", d)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: d, Count: count, Doc: t.doc, Key: t.key, Msg: msg})
}

// Since 返回计时起点（nil 计时器返回零值）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// Close 关闭文件 sink（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}
