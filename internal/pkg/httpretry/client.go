// Package httpretry provides an HTTP client that retries transient failures
// of outbound calls (webhooks, bot notifications) with exponential backoff.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options tunes the retry schedule. Zero values fall back to defaults.
type Options struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryClient wraps an HTTPDoer with retry logic.
type RetryClient struct {
	client HTTPDoer
	opts   Options
}

// NewRetryClient wraps client. A nil client gets a 30s-timeout http.Client.
func NewRetryClient(client HTTPDoer, opts Options) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	return &RetryClient{client: client, opts: opts}
}

func (rc *RetryClient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.opts.InitialInterval
	b.MaxInterval = rc.opts.MaxInterval
	b.Reset()
	return b
}

// Do executes the request, retrying 429/5xx responses and network errors.
// Client errors and context cancellation are returned immediately. The last
// retryable response is handed back as-is so the caller can inspect it.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	b := rc.newBackOff()

	for attempt := 0; attempt <= rc.opts.MaxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := b.NextBackOff()
			if delay == backoff.Stop {
				delay = rc.opts.MaxInterval
			}
			log.Printf("httpretry: retry %d/%d for %s %s%s (waiting %s)",
				attempt, rc.opts.MaxRetries, req.Method, req.URL.Host, req.URL.Path, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !IsRetryableStatus(resp.StatusCode) || attempt == rc.opts.MaxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// IsRetryableStatus reports whether a status code is worth another attempt:
// 429, 500, 502, 503, 504.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
