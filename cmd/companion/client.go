package main

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

	"github.com/kalambet/companion/internal/api"
	"github.com/kalambet/companion/internal/config"
	"github.com/kalambet/companion/internal/relay"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// newAPIClient returns a client for the local server acting as userID,
// with a short-lived token signed by the configured secret.
var newAPIClient = func(userID string) (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("missing JWT secret (COMPANION_AUTH_JWT_SECRET)")
	}

	token, err := api.IssueToken([]byte(cfg.Auth.JWTSecret), userID, 15*time.Minute)
	if err != nil {
		return nil, err
	}

	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:   token,
		// No timeout: chat replies stream for as long as generation runs.
		httpClient: &http.Client{},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is companion serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// streamFrame is the union of the chat frames a client can receive.
type streamFrame struct {
	Content      string `json:"content"`
	Done         bool   `json:"done"`
	Error        string `json:"error"`
	SessionID    string `json:"sessionId"`
	MessageCount int    `json:"messageCount"`
	MessageLimit int    `json:"messageLimit"`
}

// readChatStream copies reply increments to w and returns the terminal frame.
func readChatStream(resp *http.Response, w io.Writer) (streamFrame, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return streamFrame{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var f streamFrame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return streamFrame{}, fmt.Errorf("decoding frame: %w", err)
		}
		if f.Error != "" {
			return f, fmt.Errorf("%s", f.Error)
		}
		if f.Done {
			return f, nil
		}
		io.WriteString(w, f.Content)
	}
	if err := sc.Err(); err != nil {
		return streamFrame{}, err
	}
	return streamFrame{}, fmt.Errorf("stream ended without a done frame: %s", relay.InterruptedMessage)
}
