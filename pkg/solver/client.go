package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
)

// Client 求解器客户端
type Client interface {
	// Submit 提交实例，返回求解器任务ID
	Submit(ctx context.Context, name string, p *model.ProblemInstance, budget time.Duration) (string, error)
	// Status 查询任务状态
	Status(ctx context.Context, jobID string) (*Metadata, error)
	// Output 获取原始求解结果
	Output(ctx context.Context, jobID string) ([]byte, error)
	// Cancel 终止求解
	Cancel(ctx context.Context, jobID string) error
}

// Config 客户端配置
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPClient 基于HTTP的求解器客户端
type HTTPClient struct {
	cfg    Config
	client *http.Client
	log    *zerolog.Logger
}

// NewHTTPClient 创建HTTP客户端
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.Component("solver-client"),
	}
}

// Submit 提交实例
func (c *HTTPClient) Submit(ctx context.Context, name string, p *model.ProblemInstance, budget time.Duration) (string, error) {
	body, err := json.Marshal(NewRoutePlanRequest(name, p, budget))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "编码求解请求失败")
	}

	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/route-plans", body, &resp); err != nil {
		return "", err
	}
	if resp.Metadata.ID == "" {
		return "", errors.MalformedOutput("提交响应缺少 metadata.id")
	}
	return resp.Metadata.ID, nil
}

// Status 查询任务状态
func (c *HTTPClient) Status(ctx context.Context, jobID string) (*Metadata, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/route-plans/"+jobID+"/status", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Metadata.SolverStatus == "" {
		return nil, errors.MalformedOutput("状态响应缺少 solverStatus")
	}
	return &resp.Metadata, nil
}

// Output 获取原始求解结果
func (c *HTTPClient) Output(ctx context.Context, jobID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/v1/route-plans/"+jobID, nil)
}

// Cancel 终止求解
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/route-plans/"+jobID, nil)
	return err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.MalformedOutput(fmt.Sprintf("无法解析响应: %v", err))
	}
	return nil
}

// do 发送请求；传输层错误和5xx按指数退避重试，4xx立即失败
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	attempt := 0

	op := func() error {
		attempt++
		data, err := c.once(ctx, method, path, body)
		if err != nil {
			if !errors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("求解器请求失败，准备重试")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(c.policy(), ctx), notify)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, errors.CodeSolverRejected) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) policy() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialBackoff
	exp.MaxInterval = c.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries))
}

func (c *HTTPClient) once(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "创建求解器请求失败")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Transport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Transport(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, errors.Transport(fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(data)))
	case resp.StatusCode >= 400:
		return nil, errors.Rejected(resp.StatusCode, truncate(data))
	}
	return data, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
