package agent

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
)

const (
	defaultAPIRetries        = 2
	defaultAPIRetryBackoff   = 1500 * time.Millisecond
	defaultAPITimeout        = 2 * time.Minute
	maxHTTPErrorBodyReadSize = 64 * 1024
)

// apiClient wraps an HTTP completion endpoint with bounded retries for
// transient failures. Non-retryable errors surface immediately.
type apiClient struct {
	endpoint     string
	authToken    string
	retries      int
	retryBackoff time.Duration
	client       *http.Client
}

func newAPIClient(endpoint, authToken string, timeout time.Duration, client *http.Client) (*apiClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &apiClient{
		endpoint:     endpoint,
		authToken:    strings.TrimSpace(authToken),
		retries:      defaultAPIRetries,
		retryBackoff: defaultAPIRetryBackoff,
		client:       client,
	}, nil
}

func (c *apiClient) postJSON(ctx context.Context, payload any, target any) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		err := c.postOnce(ctx, payload, target)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableAPIError(err) || attempt == c.retries+1 {
			break
		}
		wait := time.Duration(attempt) * c.retryBackoff
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *apiClient) postOnce(ctx context.Context, payload any, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create API request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return fmt.Errorf("api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return apiHTTPError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode API response: %w", err)
	}
	return nil
}

func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("api status=%d", e.statusCode)
	}
	return fmt.Sprintf("api status=%d body=%s", e.statusCode, e.body)
}
