package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type Client struct {
	client  *resty.Client
	baseURL string
}

// Options 控制超时与重试；零值使用默认（10s 超时，不重试）
type Options struct {
	Timeout       time.Duration
	RetryCount    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
	UserAgent     string
	RetryOnStatus func(status int) bool
}

func NewClient(host string, opts Options) *Client {
	host = strings.TrimSuffix(host, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 5 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "perpexec/1"
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		SetHeader("User-Agent", opts.UserAgent).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 如果遇到 429 限流，使用 Retry-After 头
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return opts.RetryMaxWait, nil
			}
			return 0, nil
		})
	if opts.RetryOnStatus != nil {
		client.AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err == nil && resp != nil && opts.RetryOnStatus(resp.StatusCode())
		})
	}

	return &Client{client: client, baseURL: host}
}

// BaseURL 返回客户端的基础地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

type RequestOptions struct {
	Headers map[string]string
	Data    any
	Params  map[string]any
}

// 仅设置本次请求的默认 Header（不要再改 client 级 Header）
func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	return r
}

// DoRequest 发送请求；out 非空时按 JSON 解析成功响应。
// 非 2xx 响应以 *StatusError 返回。
func (c *Client) DoRequest(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) (*resty.Response, error) {
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParamsFromValues(toValues(opt.Params))
		}
		if opt.Data != nil {
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}
	if out != nil {
		rc.SetResult(out)
	}

	var (
		resp *resty.Response
		err  error
	)
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = rc.Get(endpoint)
	case http.MethodPost:
		resp, err = rc.Post(endpoint)
	case http.MethodDelete:
		resp, err = rc.Delete(endpoint)
	case http.MethodPut:
		resp, err = rc.Put(endpoint)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
	if err != nil {
		return resp, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if !resp.IsSuccess() {
		return resp, &StatusError{Status: resp.StatusCode(), Body: truncate(string(resp.Body()), 512)}
	}
	return resp, nil
}

// GetRaw 发送 GET 请求并返回原始响应体（由调用方自行解析）
func (c *Client) GetRaw(ctx context.Context, endpoint string, params map[string]any) ([]byte, error) {
	resp, err := c.DoRequest(ctx, http.MethodGet, endpoint, &RequestOptions{Params: params}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// StatusError 非 2xx 响应
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http non-2xx: %d %s", e.Status, e.Body)
}

// Message 尽量从响应体提取错误信息：{"error": ...} 或 {"message": ...}，否则返回原始响应体
func (e *StatusError) Message() string {
	var body map[string]any
	if err := json.Unmarshal([]byte(e.Body), &body); err == nil {
		for _, k := range []string{"error", "message", "errorMsg"} {
			if v, ok := body[k].(string); ok && v != "" {
				return v
			}
		}
	}
	return e.Body
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = t
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
