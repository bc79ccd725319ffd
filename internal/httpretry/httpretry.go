// Package httpretry sends HTTP requests to model providers, retrying rate
// limits, server errors and transport failures with jittered exponential
// backoff.
package httpretry

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Policy controls retry behaviour.
type Policy struct {
	Attempts  int           // Total attempts including the first. Values below 1 mean 1.
	BaseDelay time.Duration // Delay before the second attempt; doubles each retry.
	MaxDelay  time.Duration // Upper bound for a single wait, including Retry-After.
}

// DefaultPolicy makes three attempts starting at 500ms.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

// StatusError is returned when the final attempt ends with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Retriable reports whether a response status is worth retrying.
func Retriable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Do sends the request built by newReq until it succeeds, fails with a
// non-retriable status, or the policy is exhausted. newReq is called once
// per attempt so request bodies are fresh. On success the caller owns the
// response body.
func Do(ctx context.Context, client *http.Client, p Policy, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var lastErr error
	for attempt := range attempts {
		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			if !Retriable(resp.StatusCode) {
				return nil, lastErr
			}
			wait = retryAfter(resp.Header.Get("Retry-After"))
		}

		if attempt == attempts-1 {
			break
		}
		if wait == 0 && delay > 0 {
			wait = delay + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return nil, lastErr
}

// retryAfter parses a Retry-After header given in seconds. HTTP-date values
// are ignored and fall back to the computed backoff.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
