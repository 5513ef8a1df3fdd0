// Package scriptsync moves whole-document snapshots over plain HTTP when no
// live session is available: pull the current script, push a new one, and
// remember which project the local copy belongs to.
package scriptsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydoc/internal/transport"
)

const pushSource = "relaydoc-sync"

var ErrInvalidResponse = errors.New("invalid response body")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type PushResult struct {
	Changed bool `json:"changed"`
	Version int  `json:"version"`
}

type scriptResponse struct {
	Script string `json:"script"`
}

type pushRequest struct {
	ProjectID string `json:"projectId"`
	Code      string `json:"code"`
	Token     string `json:"token,omitempty"`
	Source    string `json:"source"`
}

type pushResponse struct {
	Changed bool   `json:"changed"`
	Version int    `json:"version"`
	Error   string `json:"error,omitempty"`
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Pull returns the project's current script text.
func (c *HTTPClient) Pull(ctx context.Context, projectID, token string) (string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", fmt.Errorf("project id is required")
	}
	var out scriptResponse
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/projects/%s/script", url.PathEscape(projectID)), token, nil, &out)
	return out.Script, err
}

// Push replaces the project's script with text. The server decides whether
// the content changed.
func (c *HTTPClient) Push(ctx context.Context, projectID, text, token string) (PushResult, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return PushResult{}, fmt.Errorf("project id is required")
	}
	body := pushRequest{
		ProjectID: projectID,
		Code:      text,
		Token:     strings.TrimSpace(token),
		Source:    pushSource,
	}
	var out pushResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sync-script", token, body, &out); err != nil {
		return PushResult{}, err
	}
	if out.Error != "" {
		return PushResult{}, &HTTPError{StatusCode: http.StatusOK, Message: out.Error}
	}
	return PushResult{Changed: out.Changed, Version: out.Version}, nil
}

// doJSON sends one JSON request, retrying transport errors, 429 and 5xx
// responses up to maxRetries times.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	for attempt := 1; ; attempt++ {
		req, err := c.newRequest(ctx, method, requestPath, token, payload)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt > c.maxRetries {
				return err
			}
			if err := waitWithContext(ctx, c.retryDelay(attempt, "")); err != nil {
				return err
			}
			continue
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
			}
			return nil
		case retryable(resp.StatusCode) && attempt <= c.maxRetries:
			if err := waitWithContext(ctx, c.retryDelay(attempt, resp.Header.Get("Retry-After"))); err != nil {
				return err
			}
		default:
			return responseError(resp.StatusCode, data)
		}
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, requestPath, token string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, body)
	if err != nil {
		return nil, err
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// responseError turns a failed response into an *HTTPError, preferring the
// server's own message.
func responseError(status int, data []byte) *HTTPError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(data, &body)
	message := body.Message
	if message == "" {
		message = body.Error
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &HTTPError{StatusCode: status, Code: body.Code, Message: message}
}

// retryDelay honours Retry-After up to maxDelay, otherwise doubles from
// baseDelay.
func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	return transport.ReconnectDelay(attempt-1, c.baseDelay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "sync_" + uuid.NewString()
}

// HashString is the content hash used to detect unchanged pushes.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
