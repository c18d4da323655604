package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"postscheduler-go/internal/metrics"
	"postscheduler-go/internal/textutil"
)

const (
	// DefaultTimeout bounds a single publish call.
	DefaultTimeout = 15 * time.Second

	maxErrorBodyLen = 500
	maxResponseSize = 1 << 20
)

// Result is the classified outcome of one publish call. StatusCode is 0 when
// no response was received.
type Result struct {
	OK         bool
	StatusCode int
	PostID     string
	Error      string
}

// Unauthorized reports whether the API rejected the bearer credential.
func (r Result) Unauthorized() bool {
	return !r.OK && r.StatusCode == http.StatusUnauthorized
}

// Err returns the failure as a *PublishError, or nil for a successful result.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &PublishError{StatusCode: r.StatusCode, Message: r.Error}
}

// PublishError describes a failed publish call.
type PublishError struct {
	StatusCode int
	Message    string
}

func (e *PublishError) Error() string {
	return e.Message
}

// Network reports whether the call failed without a response.
func (e *PublishError) Network() bool {
	return e.StatusCode == 0
}

// Client calls the external publish endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a publish client for endpoint. A nil httpClient gets one
// with DefaultTimeout.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

type publishRequest struct {
	Text string `json:"text"`
}

type publishResponse struct {
	ID   string `json:"id"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type apiError struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Publish posts text with accessToken. HTTP and network failures are reported
// in the Result, never as an error.
func (c *Client) Publish(ctx context.Context, accessToken, text string) Result {
	result := c.publish(ctx, accessToken, text)
	metrics.PublishAttempts.WithLabelValues(metrics.StatusClass(result.StatusCode)).Inc()
	return result
}

func (c *Client) publish(ctx context.Context, accessToken, text string) Result {
	payload, err := json.Marshal(publishRequest{Text: text})
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Error: fmt.Sprintf("publish request failed: %v", err)}
	}
	defer resp.Body.Close()

	// A short read still leaves the status code to classify on.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed publishResponse
		_ = json.Unmarshal(body, &parsed)
		postID := parsed.Data.ID
		if postID == "" {
			postID = parsed.ID
		}
		return Result{OK: true, StatusCode: resp.StatusCode, PostID: postID}
	}

	return Result{
		StatusCode: resp.StatusCode,
		Error:      errorMessage(resp.StatusCode, body),
	}
}

// errorMessage prefers a structured detail from the API, then the raw body,
// then a generic message.
func errorMessage(status int, body []byte) string {
	var parsed apiError
	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case parsed.Detail != "":
			return parsed.Detail
		case len(parsed.Errors) > 0 && parsed.Errors[0].Message != "":
			return parsed.Errors[0].Message
		case parsed.Title != "":
			return parsed.Title
		}
	}

	if raw := strings.TrimSpace(string(body)); raw != "" {
		return textutil.Truncate(raw, maxErrorBodyLen)
	}
	return fmt.Sprintf("publish failed with status %d", status)
}
