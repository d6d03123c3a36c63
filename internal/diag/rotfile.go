package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotatingFile 将日志行写入目录并按大小轮转。
// - 当前文件：<prefix>-current.txt
// - 超过 maxBytes 时重命名为 <prefix>-<UTC 时间戳>.txt 并重新创建当前文件
// - keep > 0 时仅保留最近 keep 个历史文件
type RotatingFile struct {
	dir      string
	prefix   string
	maxBytes int64
	keep     int
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

// NewRotatingFile 以默认前缀 annotrack、保留 5 个历史文件构造。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	return NewRotatingFileWith(dir, "annotrack", maxBytes, 5)
}

// NewRotatingFileWith 指定前缀与历史保留数（keep<=0 不清理）。
func NewRotatingFileWith(dir, prefix string, maxBytes int64, keep int) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if prefix == "" {
		prefix = "annotrack"
	}
	return &RotatingFile{dir: dir, prefix: prefix, maxBytes: maxBytes, keep: keep}
}

func (w *RotatingFile) currentPath() string {
	return filepath.Join(w.dir, w.prefix+"-current.txt")
}

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return err
	}
	lineLen := int64(len(b) + 1)
	if w.curSize > 0 && w.curSize+lineLen > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	// 纳秒精度避免同秒覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s.txt", w.prefix, ts))
	if err := os.Rename(w.currentPath(), rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出保留数的最旧历史文件；失败忽略。
func (w *RotatingFile) prune() {
	if w.keep <= 0 {
		return
	}
	olds, err := w.Rotated()
	if err != nil || len(olds) <= w.keep {
		return
	}
	for _, p := range olds[:len(olds)-w.keep] {
		_ = os.Remove(p)
	}
}

// Rotated 返回历史文件路径（按时间升序）。
func (w *RotatingFile) Rotated() ([]string, error) {
	ms, err := filepath.Glob(filepath.Join(w.dir, w.prefix+"-*.txt"))
	if err != nil {
		return nil, err
	}
	out := ms[:0]
	for _, m := range ms {
		if m != w.currentPath() {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close 关闭当前打开的文件句柄。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
