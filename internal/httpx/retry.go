package httpx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const DefaultMaxRetries = 3

// StatusError is a non-2xx response. Only 5xx and 429 are retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is transient.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Retrier executes requests with quadratic backoff plus jitter for
// transient failures (network errors, 5xx, 429). Other 4xx responses are
// returned as *StatusError without retrying.
type Retrier struct {
	Client     *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger
}

func NewRetrier(client *http.Client, logger *slog.Logger) *Retrier {
	if client == nil {
		client = NewClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{Client: client, MaxRetries: DefaultMaxRetries, BaseDelay: time.Second, Logger: logger}
}

// Do returns a 2xx/3xx response whose body the caller must close.
func (r *Retrier) Do(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * r.BaseDelay
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			r.Logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := r.Client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < r.MaxRetries {
				r.Logger.Warn("request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", r.MaxRetries, err)
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			if !statusErr.Retryable() {
				return nil, statusErr
			}
			lastErr = statusErr
			if attempt < r.MaxRetries {
				r.Logger.Warn("server error, will retry", "status", resp.StatusCode)
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", r.MaxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}
