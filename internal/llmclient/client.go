// Package llmclient talks to an OpenAI-compatible chat-completions endpoint
// (spec §6), issuing both blocking and streaming calls with internal
// exponential-backoff retry and transient/permanent error classification
// (spec §4.2).
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"brain2-memory/internal/engerrors"

	"github.com/sony/gobreaker"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config configures a Client.
type Config struct {
	Endpoint   string
	Model      string
	APIKey     string
	MaxRetries int // default 2, i.e. 3 attempts total
	Timeout    time.Duration
}

// Client issues chat completions with retry and circuit breaking.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New creates a Client. The circuit breaker follows the same shape as
// brain2-backend/internal/middleware's HTTP circuit breaker: it trips after
// a sustained failure ratio over a minimum sample size, then probes in a
// half-open state.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-client",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat issues a single blocking chat completion, retrying transient
// failures internally up to MaxRetries+1 total attempts with exponential
// backoff. Returns the message content, or a nil string alongside a
// transient or permanent *engerrors.AppError.
func (c *Client) Chat(ctx context.Context, messages []Message) (*string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return nil, engerrors.NewTransient("aborted during backoff", err)
			}
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doChat(ctx, messages)
		})

		if err == nil {
			content := result.(string)
			return &content, nil
		}

		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, engerrors.NewTransient("circuit breaker open", err)
		}
		if !IsTransient(err) {
			return nil, toAppError(err)
		}
	}

	return nil, engerrors.NewTransient("exhausted retries", lastErr)
}

func (c *Client) doChat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", engerrors.NewPermanent("failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", engerrors.NewPermanent("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyNetworkError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", engerrors.NewPermanent("malformed response body", err)
	}
	if len(parsed.Choices) == 0 {
		return "", engerrors.NewPermanent("response had no choices", nil)
	}

	return parsed.Choices[0].Message.Content, nil
}

// ChatStream issues a streaming chat completion, reading a Server-Sent
// Events body until the terminal [DONE] chunk and concatenating the
// streamed deltas. abort is checked between chunks; a cancellation resolves
// promptly with a transient-style error so callers can distinguish it from
// a genuine LLM failure (spec §4.2 abort semantics).
func (c *Client) ChatStream(ctx context.Context, messages []Message, abort <-chan struct{}) (*string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return nil, engerrors.NewTransient("aborted during backoff", err)
			}
		}

		select {
		case <-abort:
			return nil, engerrors.NewTransient("aborted before dispatch", ctx.Err())
		default:
		}

		content, err := c.doChatStream(ctx, messages, abort)
		if err == nil {
			return &content, nil
		}

		lastErr = err
		if !IsTransient(err) {
			return nil, toAppError(err)
		}
	}

	return nil, engerrors.NewTransient("exhausted retries", lastErr)
}

func (c *Client) doChatStream(ctx context.Context, messages []Message, abort <-chan struct{}) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages, Stream: true})
	if err != nil {
		return "", engerrors.NewPermanent("failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", engerrors.NewPermanent("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyNetworkError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-abort:
			return "", engerrors.NewTransient("aborted mid-stream", ctx.Err())
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // malformed chunk; tolerate and keep reading
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Message.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", classifyNetworkError(err)
	}

	return sb.String(), nil
}

// IsTransient classifies err as a transient (retryable) failure: network
// timeouts, connection resets, HTTP 5xx/429. This is the public predicate
// spec §4.2 requires for callers layering their own retry policy.
func IsTransient(err error) bool {
	return engerrors.IsTransient(err)
}

func toAppError(err error) error {
	var appErr *engerrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return engerrors.NewPermanent("llm call failed", err)
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return engerrors.NewTransient(fmt.Sprintf("rate limited: %d", status), nil)
	case status >= 500:
		return engerrors.NewTransient(fmt.Sprintf("server error: %d", status), nil)
	case status >= 400:
		return engerrors.NewPermanent(fmt.Sprintf("client error: %d", status), nil)
	default:
		return engerrors.NewPermanent(fmt.Sprintf("unexpected status: %d", status), nil)
	}
}

func classifyNetworkError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engerrors.NewTransient("network timeout", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return engerrors.NewTransient("context cancelled", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return engerrors.NewTransient("connection reset", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return engerrors.NewTransient("connection error", err)
	}
	return engerrors.NewTransient("network error", err)
}

func backoffDelay(attempt int) time.Duration {
	base := 200 * time.Millisecond
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := backoff * 0.1 * (rand.Float64() - 0.5) * 2
	delay := time.Duration(backoff + jitter)
	max := 10 * time.Second
	if delay > max {
		delay = max
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
