package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"annotrack/pkg/contract"
)

func reply(status int, content string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		body, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"message": map[string]string{"content": content}}}})
		if status != http.StatusOK {
			body = []byte("upstream says no")
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: http.Header{}}, nil
	}
}

// UT-OAI-01: 缺少 key 报错；关闭默认鉴权时允许
func TestNewRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New(json.RawMessage(`{}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺少 key 应报错: %v", err)
	}
	c, err := New(json.RawMessage(`{"disable_default_auth":true,"base_url":"http://x/v1/"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.url != "http://x/v1/chat/completions" {
		t.Fatalf("URL 拼接错误: %q", c.url)
	}
}

// UT-OAI-02: 请求携带 schema，分段响应解码
func TestSegments(t *testing.T) {
	c, _ := New(json.RawMessage(`{"api_key":"k","level":"B1"}`))
	var got oaReq
	inner := reply(http.StatusOK, `{"segments":[{"id":"s1","feedback":[{"id":"x","type":"spelling","position":{"start":0,"end":3},"text":"Teh","message":"typo","suggestions":["The"],"ruleId":"sp"}]}]}`)
	c.do = func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("缺少鉴权头")
		}
		json.NewDecoder(r.Body).Decode(&got)
		return inner(r)
	}
	res, err := c.AnalyzeSegments(context.Background(), []contract.Segment{{ID: "s1", Text: "Teh cat"}})
	if err != nil || len(res) != 1 || res[0].Feedback[0].Suggestions[0] != "The" {
		t.Fatalf("analyze: %v %+v", err, res)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_schema" || got.ResponseFormat.JSONSchema.Name != "segment_feedback" {
		t.Fatalf("应启用 json_schema: %+v", got.ResponseFormat)
	}
	if len(got.Messages) != 2 || !strings.Contains(got.Messages[0].Content, "B1") || !strings.Contains(got.Messages[1].Content, `"s1"`) {
		t.Fatalf("消息错误: %+v", got.Messages)
	}
	if !json.Valid(documentSchema) || !json.Valid(segmentSchema) {
		t.Fatalf("schema 非法")
	}
}

// UT-OAI-03: 整文档提交扁平文本
func TestDocument(t *testing.T) {
	c, _ := New(json.RawMessage(`{"api_key":"k"}`))
	var got oaReq
	inner := reply(http.StatusOK, `{"suggestions":[]}`)
	c.do = func(r *http.Request) (*http.Response, error) {
		json.NewDecoder(r.Body).Decode(&got)
		return inner(r)
	}
	if _, err := c.AnalyzeDocument(context.Background(), contract.Paragraphs("a", "b")); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.Messages[1].Content != "a\nb\n" {
		t.Fatalf("应提交扁平文本: %q", got.Messages[1].Content)
	}
}

// UT-OAI-04: 错误映射
func TestErrors(t *testing.T) {
	c, _ := New(json.RawMessage(`{"api_key":"k"}`))
	c.do = reply(http.StatusTooManyRequests, "")
	if _, err := c.AnalyzeDocument(context.Background(), contract.Paragraphs("a")); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("429: %v", err)
	}
	c.do = reply(http.StatusBadGateway, "")
	var ue contract.UpstreamError
	if _, err := c.AnalyzeDocument(context.Background(), contract.Paragraphs("a")); !errors.As(err, &ue) || ue.UpstreamStatus() != 502 {
		t.Fatalf("502: %v", err)
	}
	c.do = reply(http.StatusUnauthorized, "")
	if _, err := c.AnalyzeDocument(context.Background(), contract.Paragraphs("a")); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("401: %v", err)
	}
	c.do = reply(http.StatusOK, "not json")
	if _, err := c.AnalyzeSegments(context.Background(), []contract.Segment{{ID: "s", Text: "a"}}); !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("内容非 JSON: %v", err)
	}
	c.do = reply(http.StatusOK, "")
	if _, err := c.AnalyzeDocument(context.Background(), contract.Paragraphs("a")); !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("空内容: %v", err)
	}
}
