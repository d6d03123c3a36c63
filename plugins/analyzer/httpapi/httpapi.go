// Package httpapi 通过 JSON over HTTP 调用外部分析服务。
//
// 线上格式：
//
//	POST {endpoint}{document_path}  {"document": <Node>}           → {"suggestions": [...]}
//	POST {endpoint}{segment_path}   {"segments": [{id,text}]}      → {"segments": [{id,feedback:[...]}]}
//
// 任一响应体含非空 error 字段视为失败。
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"annotrack/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	Endpoint       string            `json:"endpoint"`        // 例如 http://localhost:3000/api
	DocumentPath   string            `json:"document_path"`   // 默认 /analyze；可为完整 URL
	SegmentPath    string            `json:"segment_path"`    // 默认 /feedback；可为完整 URL
	APIKeyEnv      string            `json:"api_key_env"`     // 可选：Bearer 凭据所在环境变量
	APIKey         string            `json:"api_key"`         // 明文传入（不推荐）
	TimeoutSeconds int               `json:"timeout_seconds"` // client 级超时，默认 60
	ExtraHeaders   map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.DocumentPath == "" {
		o.DocumentPath = "/analyze"
	}
	if o.SegmentPath == "" {
		o.SegmentPath = "/feedback"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	docURL string
	segURL string
	apiKey string
	extraH map[string]string
	do     func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("http options: %w", err)
		}
	}
	opts.defaults()
	if strings.TrimSpace(opts.Endpoint) == "" && !(isURL(opts.DocumentPath) && isURL(opts.SegmentPath)) {
		return nil, fmt.Errorf("http: %w: missing endpoint", contract.ErrInvalidInput)
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		docURL: join(opts.Endpoint, opts.DocumentPath),
		segURL: join(opts.Endpoint, opts.SegmentPath),
		apiKey: key,
		extraH: opts.ExtraHeaders,
		do:     hc.Do,
	}, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// join 健壮拼接，确保恰好一个斜杠；path 为完整 URL 时原样返回。
func join(base, path string) string {
	if isURL(path) {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

type docReq struct {
	Document *contract.Node `json:"document"`
}

type docResp struct {
	Suggestions []contract.Suggestion `json:"suggestions"`
	Error       string                `json:"error"`
}

type segReq struct {
	Segments []contract.Segment `json:"segments"`
}

type segResp struct {
	Segments []contract.SegmentResult `json:"segments"`
	Error    string                   `json:"error"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("http upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// AnalyzeDocument: 单次调用，同步返回。
func (c *Client) AnalyzeDocument(ctx context.Context, doc *contract.Node) ([]contract.Suggestion, error) {
	if doc == nil {
		return nil, fmt.Errorf("http: nil document: %w", contract.ErrInvalidInput)
	}
	var out docResp
	if err := c.post(ctx, c.docURL, docReq{Document: doc}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("http analyzer: %s: %w", out.Error, contract.ErrResponseInvalid)
	}
	return out.Suggestions, nil
}

// AnalyzeSegments: 单次批量调用；空输入不发请求。
func (c *Client) AnalyzeSegments(ctx context.Context, segs []contract.Segment) ([]contract.SegmentResult, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	var out segResp
	if err := c.post(ctx, c.segURL, segReq{Segments: segs}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("http analyzer: %s: %w", out.Error, contract.ErrResponseInvalid)
	}
	return out.Segments, nil
}

func (c *Client) post(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return upstreamError{status: resp.StatusCode, msg: msg}
		}
		return fmt.Errorf("http upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	return nil
}

var _ contract.Analyzer = (*Client)(nil)
