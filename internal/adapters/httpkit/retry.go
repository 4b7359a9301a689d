// Package httpkit provides the shared retrying HTTP client used by the
// provider adapters.
package httpkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
)

// Client wraps an http.Client with retry on transport errors, 429, and
// 5xx responses, honoring Retry-After when the server sends one.
type Client struct {
	HTTPClient  *http.Client
	MaxRetries  int
	BaseBackoff time.Duration
	Name        string // adapter name, used in log lines
}

// New returns a retrying client around httpClient. A nil httpClient
// falls back to http.DefaultClient.
func New(name string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		HTTPClient:  httpClient,
		MaxRetries:  defaultMaxRetries,
		BaseBackoff: defaultBackoff,
		Name:        name,
	}
}

// Do performs the request, retrying with exponential backoff. The
// request body, if any, is replayed on each attempt.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	baseBackoff := c.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBackoff
	}

	if req.Body != nil && req.GetBody == nil {
		bodyBytes, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: read request body: %w", c.Name, err)
		}
		_ = req.Body.Close()
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBytes)), nil
		}
	}

	ctx := req.Context()
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: request canceled: %w", c.Name, err)
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("%s: reset request body: %w", c.Name, err)
			}
			req.Body = body
		}

		resp, err := c.HTTPClient.Do(req)
		retryAfter, retry := shouldRetry(resp, err)
		if !retry {
			return resp, err
		}

		attemptNum := attempt + 1
		if err != nil {
			log.Warn().Str("adapter", c.Name).Int("attempt", attemptNum).Int("max", maxRetries).
				Err(err).Msg("retrying after transport error")
		} else if resp != nil {
			log.Warn().Str("adapter", c.Name).Int("attempt", attemptNum).Int("max", maxRetries).
				Int("status", resp.StatusCode).Msg("retrying after status")
			_ = resp.Body.Close()
		}

		if attempt == maxRetries-1 {
			if err != nil {
				return nil, fmt.Errorf("%s: request failed after %d attempts: %w", c.Name, maxRetries, err)
			}
			if resp != nil {
				return nil, fmt.Errorf("%s: request failed after %d attempts: status %d", c.Name, maxRetries, resp.StatusCode)
			}
			return nil, fmt.Errorf("%s: request failed after %d attempts", c.Name, maxRetries)
		}

		backoff := baseBackoff * time.Duration(1<<attempt)
		if retryAfter > 0 {
			backoff = retryAfter
		}

		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}

	return nil, fmt.Errorf("%s: request failed after %d attempts", c.Name, maxRetries)
}

func shouldRetry(resp *http.Response, err error) (time.Duration, bool) {
	if err != nil {
		return 0, true
	}
	if resp == nil {
		return 0, false
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return parseRetryAfter(resp), true
	}

	return 0, false
}

func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if when, err := http.ParseTime(retryAfter); err == nil {
		until := time.Until(when)
		if until > 0 {
			return until
		}
	}

	return 0
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
