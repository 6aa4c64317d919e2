package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"ragweave/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config OpenAI 兼容 chat/completions 配置
type Config struct {
	APIKey                     string `json:"api_key"`
	BaseURL                    string `json:"base_url"`
	ConnectTimeoutSeconds      int    `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int    `json:"tls_handshake_timeout_seconds"`
	// MaxRetries 429/5xx 的重试次数，0 表示不重试
	MaxRetries  int           `json:"max_retries"`
	BaseBackoff time.Duration `json:"-"`
}

// APIError 非 200 响应
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: API error (status %d): %s", e.Status, e.Body)
}

// Retryable 限流与服务端错误可重试
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Provider 兼容 OpenAI 协议的 LLM（OpenAI、Azure、DeepSeek、Ollama 等），
// 供 LLM 重排打分与回答生成使用
type Provider struct {
	cfg    Config
	client *http.Client
}

// New 创建 Provider
func New(cfg Config) *Provider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   secondsOr(cfg.ConnectTimeoutSeconds, 30*time.Second),
		KeepAlive: 30 * time.Second,
	}).DialContext
	// 握手超时单独配置，请求整体生命周期由 ctx 控制
	transport.TLSHandshakeTimeout = secondsOr(cfg.TLSHandshakeTimeoutSeconds, 30*time.Second)

	return &Provider{cfg: cfg, client: &http.Client{Transport: transport}}
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func (p *Provider) Name() string { return "openai" }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage provider.Usage `json:"usage"`
}

// Complete 调用 /chat/completions；限流与 5xx 按指数退避重试
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	body, err := json.Marshal(toChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	var out *provider.CompletionResponse
	backoff := retry.WithMaxRetries(uint64(max(p.cfg.MaxRetries, 0)), retry.NewExponential(p.cfg.BaseBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := p.post(ctx, body)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Retryable() {
				return retry.RetryableError(err)
			}
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) post(ctx context.Context, body []byte) (*provider.CompletionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, errors.New("openai: no choices in response")
	}
	return &provider.CompletionResponse{
		Content:      cr.Choices[0].Message.Content,
		Model:        cr.Model,
		FinishReason: cr.Choices[0].FinishReason,
		Usage:        cr.Usage,
	}, nil
}

func toChatRequest(req *provider.CompletionRequest) chatRequest {
	out := chatRequest{
		Model:    req.Model,
		Messages: make([]chatMessage, len(req.Messages)),
		Stop:     req.Stop,
	}
	for i, m := range req.Messages {
		out.Messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	if req.Temperature > 0 {
		out.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	if req.TopP > 0 {
		out.TopP = &req.TopP
	}
	return out
}
