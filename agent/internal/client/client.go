// Package client talks to the dispatch server's worker API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/renderfleet/renderfleet/workerapi"
)

// ErrLeaseLost means the server no longer recognises the lease: it expired,
// was reclaimed, or finished under another token.
var ErrLeaseLost = errors.New("lease lost")

// Retry configuration for lease calls. Polls are not retried; the next poll
// tick is the retry.
const (
	retryInitialDelay = 100 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
	retryMaxAttempts  = 5
	retryMultiplier   = 2.0
)

// APIError is a non-2xx response other than a lost lease.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Output describes a finished render.
type Output struct {
	SizeBytes   *int64
	ContentType *string
	Metadata    map[string]any
}

// Client is a worker-scoped API client.
type Client struct {
	baseURL  string
	workerID string
	http     *http.Client
}

// New creates a client for workerID against the server at baseURL.
func New(baseURL, workerID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		http:     &http.Client{Timeout: timeout},
	}
}

// WorkerID returns the worker this client acts for.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Poll asks for work. It returns nil without error when nothing is offered.
func (c *Client) Poll(ctx context.Context, req workerapi.PollRequest) (*workerapi.LeaseOffer, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var offer workerapi.LeaseOffer
	status, msg, err := c.send(ctx, "/api/workers/"+url.PathEscape(c.workerID)+"/poll", payload, &offer)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &offer, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, &APIError{StatusCode: status, Message: msg}
	}
}

// Heartbeat renews a lease.
func (c *Client) Heartbeat(ctx context.Context, dispatchID, token string) error {
	return c.leaseCall(ctx, dispatchID, "heartbeat", workerapi.HeartbeatRequest{
		WorkerID:   c.workerID,
		LeaseToken: token,
	})
}

// Complete reports a successful render.
func (c *Client) Complete(ctx context.Context, dispatchID, token string, out Output) error {
	return c.leaseCall(ctx, dispatchID, "complete", workerapi.CompleteRequest{
		WorkerID:          c.workerID,
		LeaseToken:        token,
		OutputSizeBytes:   out.SizeBytes,
		OutputContentType: out.ContentType,
		Metadata:          out.Metadata,
	})
}

// Fail reports a permanent render failure.
func (c *Client) Fail(ctx context.Context, dispatchID, token, message string) error {
	return c.leaseCall(ctx, dispatchID, "fail", workerapi.FailRequest{
		WorkerID:   c.workerID,
		LeaseToken: token,
		Error:      message,
	})
}

// Requeue hands a lease back without spending an attempt.
func (c *Client) Requeue(ctx context.Context, dispatchID, token, reason string) error {
	return c.leaseCall(ctx, dispatchID, "requeue", workerapi.RequeueRequest{
		WorkerID:   c.workerID,
		LeaseToken: token,
		Reason:     reason,
	})
}

func (c *Client) leaseCall(ctx context.Context, dispatchID, op string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	path := "/api/dispatches/" + url.PathEscape(dispatchID) + "/" + op

	delay := retryInitialDelay
	for attempt := 1; ; attempt++ {
		status, msg, err := c.send(ctx, path, payload, nil)
		if err == nil {
			switch {
			case status == http.StatusNotFound:
				return ErrLeaseLost
			case status >= 200 && status < 300:
				return nil
			case !isRetryableStatus(status):
				return &APIError{StatusCode: status, Message: msg}
			}
			err = &APIError{StatusCode: status, Message: msg}
		} else if !isRetryableError(err) {
			return err
		}

		if attempt == retryMaxAttempts {
			return err
		}

		// Wait before retry, respecting context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(time.Duration(float64(delay)*retryMultiplier), retryMaxDelay)
	}
}

// send posts payload and returns the status. On 200 the body is decoded into
// out; on other non-2xx statuses the server's error message is returned.
func (c *Client) send(ctx context.Context, path string, payload []byte, out any) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, "", fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, "", nil
	}
	if resp.StatusCode >= 300 {
		var e workerapi.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(body, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(body))
		}
		return resp.StatusCode, e.Error, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, "", nil
}

// isRetryableError checks if an error is a transient transport error.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout")
}

// isRetryableStatus checks if an HTTP status code should trigger a retry.
func isRetryableStatus(statusCode int) bool {
	return statusCode >= 500 && statusCode < 600
}
