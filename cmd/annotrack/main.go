package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	cfgpkg "annotrack/internal/config"
	"annotrack/internal/diag"
	"annotrack/internal/engine"
	"annotrack/internal/render"
	"annotrack/pkg/contract"
)

var sessionRun = runSession

// 简化的 CLI：加载一份文档，可选重放编辑序列，等待分析收敛后输出批注。
// 位置参数为文档路径（JSON 文档树或纯文本；"-" 表示 STDIN）。
// 全局旗标：--config, --analyzer, --mode, --edits, --json, --timeout
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level 与目录
	logger := diag.NewLogger(corrID, logLevel)
	var (
		flagConfig   string
		flagAnalyzer string
		flagMode     string
		flagEdits    string
		flagInitDir  string
		flagJSON     bool
		flagStatus   bool
		flagTimeout  time.Duration
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON 或 YAML）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagAnalyzer, "analyzer", "", "provider 名称（覆盖配置）")
	flag.StringVar(&flagMode, "mode", "", "分析模式 segments|document|both（覆盖配置）")
	flag.StringVar(&flagEdits, "edits", "", "JSONL 编辑序列：{\"op\":\"insert\",\"at\":N,\"text\":\"..\"} / {\"op\":\"delete\",\"at\":N,\"len\":N}")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则跳过，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagJSON, "json", false, "以 JSON 输出版本、文本、批注与装饰")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	flag.DurationVar(&flagTimeout, "timeout", 2*time.Minute, "等待全部分析完成的最长时间")
	normalizeInitArg()
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return 2
	}

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.ErrorWith("cli", string(diag.Classify(err)), "init config", &start, "", "")
			return 3
		}
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.ErrorWith("cli", string(diag.Classify(err)), "init config", &start, "", "")
			return 3
		}
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return 0
	}

	args := flag.Args()
	if len(args) != 1 {
		fprintf(os.Stderr, "用法: annotrack [flags] <doc.json|doc.txt|->\n")
		return 2
	}

	// 配置来源：ENV JSON > --config / ENV 文件 > ./config.json
	var cfgJSON []byte
	if s := os.Getenv("ANNOTRACK_CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv("ANNOTRACK_CONFIG_FILE")
	}
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if len(cfgJSON) > 0 || flagConfig != "" {
		var (
			base cfgpkg.Config
			err  error
		)
		if len(cfgJSON) > 0 {
			base, err = cfgpkg.LoadJSON("", cfgJSON)
		} else {
			base, err = cfgpkg.Load(flagConfig)
		}
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.ErrorWith("cli", string(diag.Classify(err)), "load config", &start, "", "")
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.ErrorWith("cli", string(diag.Classify(err)), "env overlay", &start, "", "")
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)
	cfg = cfgpkg.Merge(cfg, cfgpkg.Config{Analyzer: flagAnalyzer, Mode: flagMode})

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.ErrorWith("cli", string(diag.Classify(err)), "validate config", &start, "", "")
		return 3
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		logLevel = lv
	}
	_ = logger.Close()
	logger = diag.NewLoggerDir(corrID, logLevel, cfg.Logging.Dir)
	defer logger.Close()

	in, err := readInput(args[0], os.Stdin)
	if err != nil {
		fprintf(os.Stderr, "读取文档失败: %v\n", err)
		logger.ErrorWith("cli", string(diag.Classify(err)), "read input", &start, args[0], "")
		return 1
	}
	if flagEdits != "" {
		if in.Edits, err = readEdits(flagEdits); err != nil {
			fprintf(os.Stderr, "读取编辑序列失败: %v\n", err)
			logger.ErrorWith("cli", string(diag.Classify(err)), "read edits", &start, args[0], "")
			return 1
		}
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.ErrorWith("cli", string(diag.Classify(err)), "assemble", &start, "", "")
		return 3
	}
	if comp.Cache != nil {
		defer comp.Cache.Close()
	}
	set.DocID = in.Name

	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	if term != nil {
		term.SessionStart(in.Name, cfg.Analyzer, in.Bytes, in.Runes)
	}

	logger.DebugKV("config", "effective", in.Name, "", map[string]string{
		"analyzer":    cfg.Analyzer,
		"client":      cfg.Provider[cfg.Analyzer].Client,
		"mode":        cfg.Mode,
		"cache":       cfg.Cache.Backend,
		"debounce_ms": fmt.Sprintf("%d", cfg.Scheduler.DebounceMS),
		"throttle_ms": fmt.Sprintf("%d", cfg.Scheduler.ThrottleMS),
		"edits":       fmt.Sprintf("%d", len(in.Edits)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	t := logger.StartWith("cli", "session", in.Name, "")
	rep, err := sessionRun(ctx, comp, set, logger, in)
	if err != nil {
		code := string(diag.Classify(err))
		logger.ErrorWith("cli", code, "session failed", &start, in.Name, "")
		diag.IncOp("cli", "session", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("cli", code)
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		if term != nil {
			term.SessionFinish(false, 0)
		}
		return 1
	}
	if t != nil {
		t.Finish("session", int64(len(rep.Annotations)))
	}
	diag.IncOp("cli", "session", "success")
	diag.ObserveDuration("cli", "session", time.Since(start).Milliseconds())
	if term != nil {
		term.SessionFinish(true, len(rep.Annotations))
	}

	if flagJSON {
		err = writeJSON(os.Stdout, rep)
	} else {
		err = writeText(os.Stdout, rep)
	}
	if err != nil {
		fprintf(os.Stderr, "输出失败: %v\n", err)
		return 1
	}
	return 0
}

// input: 一次会话的文档与编辑序列。
type input struct {
	Name  string
	Tree  *contract.Node
	Edits []step
	Bytes int
	Runes int
}

// step: 单个编辑；Pause 为应用后的停顿（让去抖计时器有机会触发）。
type step struct {
	Op    contract.TextOperation
	Pause time.Duration
}

// report: 会话收敛后的输出。
type report struct {
	Version     contract.Version      `json:"version"`
	Text        string                `json:"text"`
	Annotations []contract.Annotation `json:"annotations"`
	Decorations []contract.Decoration `json:"decorations"`
	Counts      map[contract.Kind]int `json:"counts"`
}

// runSession: 加载文档 → 整文档分析（若启用）→ 重放编辑 → 等待收敛。
func runSession(ctx context.Context, comp engine.Components, set engine.Settings, logger *diag.Logger, in input) (report, error) {
	e := engine.New(comp, set, logger)
	defer e.Close()
	if _, err := e.Load(in.Tree); err != nil {
		return report{}, err
	}
	if comp.Document != nil {
		if err := e.AnalyzeDocument(); err != nil {
			return report{}, err
		}
	}
	for i, s := range in.Edits {
		if _, err := e.Edit(s.Op); err != nil {
			return report{}, fmt.Errorf("edit #%d: %w", i+1, err)
		}
		if s.Pause > 0 {
			select {
			case <-ctx.Done():
				return report{}, ctx.Err()
			case <-time.After(s.Pause):
			}
		}
	}
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return report{}, ctx.Err()
	case <-done:
	}
	snap := e.Snapshot()
	return report{
		Version:     snap.Version,
		Text:        snap.Text,
		Annotations: e.Visible(),
		Decorations: e.Decorations(),
		Counts:      e.Counts(),
	}, nil
}

// readInput: JSON 文档树（以 '{' 开头）或纯文本（每行一个段落）。
func readInput(path string, stdin io.Reader) (input, error) {
	var (
		raw []byte
		err error
	)
	name := path
	if path == "-" {
		name = "stdin"
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return input{}, err
	}
	in := input{Name: name, Bytes: len(raw)}
	text := string(raw)
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		var n contract.Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return input{}, fmt.Errorf("%s: %w: %v", name, contract.ErrInvalidInput, err)
		}
		if n.Type == "" {
			return input{}, fmt.Errorf("%s: node type missing: %w", name, contract.ErrInvalidInput)
		}
		in.Tree = &n
	} else {
		text = strings.TrimRight(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
		in.Tree = contract.Paragraphs(strings.Split(text, "\n")...)
	}
	in.Runes = len([]rune(text))
	return in, nil
}

// readEdits 解析 JSONL 编辑序列（空行与 # 开头的行跳过）。
func readEdits(path string) ([]step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []step
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for ln := 1; s.Scan(); ln++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rec struct {
			Op      string `json:"op"`
			At      int    `json:"at"`
			Text    string `json:"text"`
			Len     int    `json:"len"`
			PauseMS int    `json:"pause_ms"`
		}
		dec := json.NewDecoder(strings.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w: %v", path, ln, contract.ErrInvalidInput, err)
		}
		var op contract.TextOperation
		switch strings.ToLower(rec.Op) {
		case "insert":
			op = contract.Insert(rec.At, rec.Text)
		case "delete":
			op = contract.Delete(rec.At, rec.Len)
		default:
			return nil, fmt.Errorf("%s:%d: op %q: %w", path, ln, rec.Op, contract.ErrInvalidInput)
		}
		out = append(out, step{Op: op, Pause: time.Duration(rec.PauseMS) * time.Millisecond})
	}
	return out, s.Err()
}

func writeJSON(w io.Writer, rep report) error {
	if rep.Annotations == nil {
		rep.Annotations = []contract.Annotation{}
	}
	if rep.Decorations == nil {
		rep.Decorations = []contract.Decoration{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// writeText: 逐行输出文本；有批注的行下方附下划线行，末尾列出批注明细。
func writeText(w io.Writer, rep report) error {
	bw := bufio.NewWriter(w)
	off := 0
	for _, line := range strings.Split(strings.TrimSuffix(rep.Text, "\n"), "\n") {
		n := len([]rune(line))
		var marks []render.Mark
		for _, a := range rep.Annotations {
			if a.End <= off || a.Start >= off+n {
				continue
			}
			marks = append(marks, render.Mark{Start: a.Start - off, End: a.End - off, Char: render.MarkChar(a.Kind)})
		}
		fmt.Fprintln(bw, line)
		if len(marks) > 0 {
			fmt.Fprintln(bw, render.Underline(line, marks))
		}
		off += n + 1
	}
	for _, a := range rep.Annotations {
		fmt.Fprintf(bw, "[%s] %d-%d %q %s", a.Kind, a.Start, a.End, a.SourceText, a.Message)
		if len(a.Suggestions) > 0 {
			fmt.Fprintf(bw, " => %s", strings.Join(a.Suggestions, " | "))
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "；
// - 仅按首个 '=' 分割；成对的单/双引号去除，双引号内处理常见转义；
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if !ok || key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '\'' || val[0] == '"') && val[len(val)-1] == val[0] {
			q := val[0]
			val = val[1 : len(val)-1]
			if q == '"' {
				val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// normalizeInitArg: 允许 --init-config 不带值（等价于 --init-config .）。
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	b.WriteString("# annotrack .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("ANNOTRACK_CONFIG_FILE=\n")
	b.WriteString("ANNOTRACK_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{
		"LOG_LEVEL", "LOG_DIR", "ANALYZER", "MODE",
		"SCHEDULER_DEBOUNCE_MS", "SCHEDULER_THROTTLE_MS", "SCHEDULER_CONTEXT_MARGIN",
		"SCHEDULER_MIN_SEGMENT_RUNES", "SCHEDULER_REQUEST_TIMEOUT_MS", "SCHEDULER_BYTES_PER_TOKEN",
		"CACHE_BACKEND", "CACHE_OPTIONS_JSON",
	} {
		b.WriteString("ANNOTRACK_" + k + "=\n")
	}
	b.WriteString("\n")

	for _, p := range []string{"openai", "http"} {
		b.WriteString("# Provider 覆盖（" + p + "）\n")
		for _, k := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString("ANNOTRACK_PROVIDER__" + p + "__" + k + "=\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("# 常见供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
