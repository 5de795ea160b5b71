package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	completeTimeout    = 60 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	maxRetryAfter      = 10 * time.Second
)

// StatusError is a non-200 answer from the chat completions endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openrouter: status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusServiceUnavailable
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	BaseURL     string
	MaxAttempts int
	Backoff     time.Duration
}

// Client talks to OpenRouter's OpenAI-compatible chat completions API.
type Client struct {
	apiKey      string
	baseURL     string
	maxAttempts int
	backoff     time.Duration
	httpClient  *http.Client
}

func NewClient(apiKey string, opts Options) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		// Streamed replies run as long as generation does; deadlines come
		// from the request context.
		httpClient: &http.Client{},
	}
	if opts.BaseURL != "" {
		c.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.MaxAttempts > 0 {
		c.maxAttempts = opts.MaxAttempts
	}
	if opts.Backoff > 0 {
		c.backoff = opts.Backoff
	}
	return c
}

// Stream starts a streamed completion. The reader must be closed.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (*DeltaReader, error) {
	req.Stream = true
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewDeltaReader(resp.Body), nil
}

// Complete runs a non-streamed completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	req.Stream = false
	resp, err := c.send(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding completion: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("openrouter: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openrouter: completion has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// send posts req, retrying throttled attempts. A Retry-After header wins
// over the exponential backoff, capped at maxRetryAfter.
func (c *Client) send(ctx context.Context, req ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	wait := c.backoff
	for attempt := 1; ; attempt++ {
		resp, err := c.post(ctx, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if !serr.Retryable() || attempt >= c.maxAttempts {
			return nil, serr
		}

		delay := wait
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			delay = d
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		wait *= 2
	}
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "companion")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling openrouter: %w", err)
	}
	return resp, nil
}

// retryAfter parses a delay-seconds Retry-After value.
func retryAfter(v string) (time.Duration, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter), true
}
