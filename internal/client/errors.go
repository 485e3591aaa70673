package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError represents a provider API error with HTTP status code.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// NewHTTPError builds an HTTPError from a non-2xx response, capturing
// any server-advertised retry delay from the headers.
func NewHTTPError(resp *http.Response, body []byte) *HTTPError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		RetryAfter: ParseRetryAfter(resp.Header),
	}
}

// ParseRetryAfter extracts a retry delay from rate-limit response
// headers. Checks Retry-After (delta-seconds or HTTP-date) first,
// then x-ratelimit-reset and x-ratelimit-reset-requests (seconds or
// unix milliseconds). Returns 0 when nothing usable is present.
func ParseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	for _, name := range []string{"x-ratelimit-reset", "x-ratelimit-reset-requests"} {
		v := h.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n <= 0 {
			continue
		}
		// Values over ~1e10 are unix timestamps in milliseconds.
		if n > 1e10 {
			d := time.Until(time.UnixMilli(int64(n)))
			if d > 0 {
				return d
			}
			continue
		}
		return time.Duration(n * float64(time.Second))
	}
	return 0
}

// IsRateLimited reports whether err is an HTTP 429.
func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// RetryAfterFrom returns the server-advertised retry delay carried by
// err, or 0.
func RetryAfterFrom(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

// IsRetryable reports whether a request failure is worth retrying.
// Rate limits, timeouts, and transient server or network errors are;
// auth failures and invalid requests are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		case 500, 502, 503, 504, 529:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String fallback for untyped errors from SDKs.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit",
		"connection refused",
		"connection reset",
		"unexpected eof",
		"tls handshake",
		"no such host",
		"overloaded",
		"timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// isEndpointMismatch reports whether err indicates the request hit an
// endpoint shape the server does not serve for this model.
func isEndpointMismatch(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode != http.StatusNotFound && httpErr.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(httpErr.Message)
	for _, pattern := range []string{
		"not supported",
		"unsupported",
		"unknown url",
		"not found",
		"does not exist",
		"use the responses",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return httpErr.StatusCode == http.StatusNotFound
}

// isModelNotFound reports a 404 naming a missing model, which for a
// local runtime means the model needs pulling.
func isModelNotFound(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found, try pulling") ||
		(strings.Contains(msg, "model") && strings.Contains(msg, "not found"))
}
