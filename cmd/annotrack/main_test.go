package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "annotrack/internal/config"
	"annotrack/internal/diag"
	"annotrack/internal/engine"
	"annotrack/pkg/contract"
)

func resetFlag(args []string) {
	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flag.CommandLine.SetOutput(io.Discard)
	os.Args = args
}

func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

// captureStdout 运行 f 并返回其写到 os.Stdout 的内容。
func captureStdout(t *testing.T, f func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	old := os.Stdout
	os.Stdout = w
	done := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(r)
		done <- b
	}()
	f()
	w.Close()
	os.Stdout = old
	return string(<-done)
}

func TestNormalizeInitArg(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{[]string{"annotrack", "--init-config"}, "annotrack --init-config ."},
		{[]string{"annotrack", "--init-config", "--json"}, "annotrack --init-config . --json"},
		{[]string{"annotrack", "--init-config", "out"}, "annotrack --init-config out"},
		{[]string{"annotrack", "--init-config=out"}, "annotrack --init-config=out"},
	}
	old := os.Args
	defer func() { os.Args = old }()
	for _, tc := range cases {
		os.Args = tc.in
		normalizeInitArg()
		if got := strings.Join(os.Args, " "); got != tc.want {
			t.Fatalf("normalize(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\n\nexport ANNOTRACK_T_A=1\nANNOTRACK_T_B=\"x\\ny\"\nANNOTRACK_T_C='raw\\n'\nANNOTRACK_T_KEEP=new\nbroken\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANNOTRACK_T_KEEP", "old")
	for _, k := range []string{"ANNOTRACK_T_A", "ANNOTRACK_T_B", "ANNOTRACK_T_C"} {
		k := k
		t.Cleanup(func() { _ = os.Unsetenv(k) })
	}
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if os.Getenv("ANNOTRACK_T_A") != "1" || os.Getenv("ANNOTRACK_T_B") != "x\ny" || os.Getenv("ANNOTRACK_T_C") != `raw\n` {
		t.Fatalf("解析结果不正确: %q %q %q", os.Getenv("ANNOTRACK_T_A"), os.Getenv("ANNOTRACK_T_B"), os.Getenv("ANNOTRACK_T_C"))
	}
	if os.Getenv("ANNOTRACK_T_KEEP") != "old" {
		t.Fatalf("已有 ENV 不应被覆盖")
	}
	if err := loadDotEnv(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("不存在的文件应忽略: %v", err)
	}
}

func TestWriteConfigAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "c.json")
	cfg := cfgpkg.DefaultTemplateConfig()
	if err := writeConfig(file, cfg); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
	if _, err := cfgpkg.Load(file); err != nil {
		t.Fatalf("生成的配置应能严格回读: %v", err)
	}
	if err := os.WriteFile(file, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeConfig(file, cfg); err != nil {
		t.Fatalf("已存在文件应跳过: %v", err)
	}
	if b, _ := os.ReadFile(file); string(b) != "keep" {
		t.Fatalf("已存在文件被覆盖")
	}
	env := filepath.Join(dir, ".env")
	if err := writeDotEnv(env); err != nil {
		t.Fatalf("writeDotEnv: %v", err)
	}
	b, _ := os.ReadFile(env)
	for _, k := range []string{"ANNOTRACK_CONFIG_FILE=", "ANNOTRACK_SCHEDULER_DEBOUNCE_MS=", "ANNOTRACK_PROVIDER__openai__OPTIONS_JSON=", "OPENAI_API_KEY="} {
		if !bytes.Contains(b, []byte(k)) {
			t.Fatalf(".env 模板缺少 %s", k)
		}
	}
}

func TestReadInput(t *testing.T) {
	in, err := readInput("-", strings.NewReader("Hello.\r\nI recieved it.\n"))
	if err != nil {
		t.Fatalf("纯文本: %v", err)
	}
	if in.Name != "stdin" || len(in.Tree.Content) != 2 || in.Tree.Content[1].Content[0].Text != "I recieved it." {
		t.Fatalf("纯文本应按行构造段落: %+v", in.Tree)
	}
	doc := `{"type":"doc","content":[{"type":"heading","content":[{"type":"text","text":"Title"}]}]}`
	in, err = readInput("-", strings.NewReader(doc))
	if err != nil || in.Tree.Content[0].Type != contract.NodeHeading {
		t.Fatalf("JSON 文档树: %v", err)
	}
	if _, err := readInput("-", strings.NewReader(`{"content":[]}`)); err == nil {
		t.Fatalf("缺少 type 应报错")
	}
	if _, err := readInput("-", strings.NewReader(`{bad`)); err == nil {
		t.Fatalf("非法 JSON 应报错")
	}
}

func TestReadEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e.jsonl")
	body := "# replay\n{\"op\":\"insert\",\"at\":0,\"text\":\"Oh. \",\"pause_ms\":5}\n\n{\"op\":\"delete\",\"at\":2,\"len\":1}\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	steps, err := readEdits(path)
	if err != nil || len(steps) != 2 {
		t.Fatalf("readEdits: %v %d", err, len(steps))
	}
	if steps[0].Op.Kind != contract.OpInsert || steps[0].Op.Length != 4 || steps[0].Pause != 5*time.Millisecond {
		t.Fatalf("insert 解析错误: %+v", steps[0])
	}
	if steps[1].Op.Kind != contract.OpDelete || steps[1].Op.Position != 2 || steps[1].Op.Length != 1 {
		t.Fatalf("delete 解析错误: %+v", steps[1])
	}
	for _, bad := range []string{`{"op":"move","at":1}`, `{"op":"insert","where":1}`} {
		if err := os.WriteFile(path, []byte(bad+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := readEdits(path); err == nil {
			t.Fatalf("%s 应报错", bad)
		}
	}
}

func TestWriteText(t *testing.T) {
	rep := report{
		Text: "Hello.\nI recieved it.",
		Annotations: []contract.Annotation{{
			ID: "a", Kind: contract.KindSpelling, Start: 9, End: 17,
			SourceText: "recieved", Message: "Spelling", Suggestions: []string{"received"},
		}},
	}
	var buf bytes.Buffer
	if err := writeText(&buf, rep); err != nil {
		t.Fatal(err)
	}
	want := "Hello.\nI recieved it.\n  ^^^^^^^^\n[spelling] 9-17 \"recieved\" Spelling => received\n"
	if buf.String() != want {
		t.Fatalf("输出不一致:\n%s\nwant:\n%s", buf.String(), want)
	}
	buf.Reset()
	if err := writeJSON(&buf, report{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil || back["annotations"] == nil {
		t.Fatalf("JSON 输出应包含空数组: %s", buf.String())
	}
}

func TestRunInitConfig(t *testing.T) {
	dir := chdir(t)
	out := filepath.Join(dir, "out")
	resetFlag([]string{"annotrack", "--init-config", out})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	for _, f := range []string{"config.json", ".env"} {
		if _, err := os.Stat(filepath.Join(out, f)); err != nil {
			t.Fatalf("%s 未生成: %v", f, err)
		}
	}
}

func TestRunExitCodes(t *testing.T) {
	chdir(t)
	resetFlag([]string{"annotrack", "--status=false"})
	if code := run(); code != 2 {
		t.Fatalf("缺少文档应返回 2，实际 %d", code)
	}
	t.Setenv("ANNOTRACK_CONFIG_JSON", `{"analyzer":"mock","workers":1}`)
	resetFlag([]string{"annotrack", "--status=false", "doc.txt"})
	if code := run(); code != 3 {
		t.Fatalf("非法配置应返回 3，实际 %d", code)
	}
	t.Setenv("ANNOTRACK_CONFIG_JSON", "")
	resetFlag([]string{"annotrack", "--status=false", "--analyzer", "nope", "doc.txt"})
	if code := run(); code != 3 {
		t.Fatalf("未知 provider 应返回 3，实际 %d", code)
	}
}

func TestRunSuccess(t *testing.T) {
	dir := chdir(t)
	b, _ := json.Marshal(cfgpkg.DefaultTemplateConfig())
	t.Setenv("ANNOTRACK_CONFIG_JSON", string(b))
	doc := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(doc, []byte("He don't care.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var gotMode bool
	orig := sessionRun
	sessionRun = func(ctx context.Context, comp engine.Components, set engine.Settings, logger *diag.Logger, in input) (report, error) {
		gotMode = comp.Segments == nil && comp.Document != nil
		if set.DocID != doc || in.Tree == nil {
			t.Errorf("会话参数错误: %q", set.DocID)
		}
		return report{Version: 1, Text: "He don't care."}, nil
	}
	defer func() { sessionRun = orig }()

	resetFlag([]string{"annotrack", "--status=false", "--json", "--mode", "document", doc})
	var code int
	out := captureStdout(t, func() { code = run() })
	if code != 0 {
		t.Fatalf("run return %d", code)
	}
	if !gotMode {
		t.Fatalf("--mode 未覆盖配置")
	}
	var rep report
	if err := json.Unmarshal([]byte(out), &rep); err != nil || rep.Text != "He don't care." {
		t.Fatalf("JSON 输出错误: %v %q", err, out)
	}
}

// 端到端：mock 分析器整文档分析，编辑后批注随文本平移。
func TestRunSessionMock(t *testing.T) {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Mode = "document"
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	in := input{
		Name:  "t",
		Tree:  contract.Paragraphs("He don't care."),
		Edits: []step{{Op: contract.Insert(0, "Oh. ")}},
	}
	var logs bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := runSession(ctx, comp, set, diag.NewWriterLogger("t", "error", &logs), in)
	if err != nil {
		t.Fatalf("runSession: %v", err)
	}
	if rep.Text != "Oh. He don't care.\n" && rep.Text != "Oh. He don't care." {
		t.Fatalf("文本错误: %q", rep.Text)
	}
	var found bool
	for _, a := range rep.Annotations {
		if a.Kind == contract.KindGrammar && a.SourceText == "He don't" {
			found = true
			if a.Start != 4 || a.End != 12 {
				t.Fatalf("批注未随插入平移: [%d,%d)", a.Start, a.End)
			}
		}
	}
	if !found {
		t.Fatalf("缺少 grammar 批注: %+v", rep.Annotations)
	}
	if rep.Counts[contract.KindGrammar] == 0 || len(rep.Decorations) == 0 {
		t.Fatalf("统计或装饰缺失: %+v", rep.Counts)
	}
}
