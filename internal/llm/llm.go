// Package llm calls an OpenAI-compatible chat-completion endpoint. It is
// the stock reply generator wired into hosted experts; anything exposing
// the same Generate signature can stand in for it.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/format"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"

	requestTimeout = 120 * time.Second
	maxRetries     = 3
)

// Config selects the endpoint, credentials and default model.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Client is a chat-completion client with connection pooling and retries on
// transient upstream failures.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds a client. Zero-value config fields fall back to the
// public OpenAI endpoint and gpt-4o-mini.
func NewClient(cfg Config, log *zap.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		http:    &http.Client{Transport: transport, Timeout: requestTimeout},
		log:     log,
	}
}

// Model reports the default model requests fall back to.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model         string               `json:"model"`
	Messages      []format.ChatMessage `json:"messages"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   float64              `json:"temperature,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (c *Client) body(req *format.ChatRequest, stream bool) ([]byte, error) {
	out := chatRequest{
		Model:       c.modelFor(req),
		Messages:    req.Messages,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode completion request")
	}
	return raw, nil
}

func (c *Client) modelFor(req *format.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

// Complete performs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, req *format.ChatRequest) (*format.ChatResponse, error) {
	body, err := c.body(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "read completion response")
	}
	var out format.ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "decode completion response")
	}
	if len(out.Choices) == 0 {
		return nil, errs.New(errs.Internal, "completion returned no choices")
	}
	return &out, nil
}

// Stream performs a streaming completion and returns the chunk reader.
func (c *Client) Stream(ctx context.Context, req *format.ChatRequest) (Stream, error) {
	body, err := c.body(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return newSSEStream(resp.Body), nil
}

// Generate produces a full reply for req. With a non-nil onDelta it streams,
// invoking the callback for every text delta; the returned response always
// holds the assembled text plus usage (server-reported when available,
// estimated otherwise). An onDelta error aborts generation.
func (c *Client) Generate(ctx context.Context, req *format.ChatRequest, onDelta func(delta string) error) (*format.ChatResponse, error) {
	if onDelta == nil {
		return c.Complete(ctx, req)
	}

	st, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	var text strings.Builder
	for {
		delta, err := st.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return nil, err
		}
	}

	usage := st.Usage()
	if usage == nil {
		in := format.EstimateRequestTokens(req)
		out := format.EstimateTokens([]byte(text.String()))
		usage = &format.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return format.NewChatResponse(c.modelFor(req), text.String(), usage), nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "build completion request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warn("model call failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if retryable(resp.StatusCode) && attempt < maxRetries {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, snippet(resp.Body))
			resp.Body.Close()
			c.log.Warn("model call retrying",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			msg := snippet(resp.Body)
			resp.Body.Close()
			return nil, errs.New(errs.Internal, "model endpoint returned %d: %s", resp.StatusCode, msg)
		}
		return resp, nil
	}
	return nil, errs.Wrap(errs.Internal, lastErr, "model call failed after %d attempts", maxRetries+1)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func snippet(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 2048))
	return strings.TrimSpace(string(raw))
}

// Stream yields text deltas of a streaming completion. Recv returns io.EOF
// once the server is done; Usage is populated after that when the server
// reported token counts.
type Stream interface {
	Recv() (string, error)
	Usage() *format.Usage
	Close() error
}

type sseStream struct {
	body  io.ReadCloser
	sc    *bufio.Scanner
	usage *format.Usage
	err   error
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, sc: sc}
}

func (s *sseStream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.err = io.EOF
			return "", io.EOF
		}
		var chunk format.ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Keep-alive comments and partial writes show up as junk
			// lines; skip them rather than kill the stream.
			continue
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage
		}
		if text := chunk.Text(); text != "" {
			return text, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		s.err = errs.Wrap(errs.Internal, err, "read completion stream")
		return "", s.err
	}
	s.err = io.EOF
	return "", io.EOF
}

func (s *sseStream) Usage() *format.Usage { return s.usage }

func (s *sseStream) Close() error { return s.body.Close() }
