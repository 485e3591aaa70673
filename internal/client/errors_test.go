package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", "1.5")
	assert.Equal(t, 1500*time.Millisecond, ParseRetryAfter(h))

	h = http.Header{}
	h.Set("Retry-After", time.Now().Add(45*time.Second).UTC().Format(http.TimeFormat))
	got := ParseRetryAfter(h)
	assert.InDelta(t, 45*time.Second, got, float64(2*time.Second))

	h = http.Header{}
	h.Set("x-ratelimit-reset", "12")
	assert.Equal(t, 12*time.Second, ParseRetryAfter(h))

	h = http.Header{}
	h.Set("x-ratelimit-reset", strconv.FormatInt(time.Now().Add(20*time.Second).UnixMilli(), 10))
	got = ParseRetryAfter(h)
	assert.InDelta(t, 20*time.Second, got, float64(2*time.Second))

	h = http.Header{}
	h.Set("x-ratelimit-reset-requests", "5")
	assert.Equal(t, 5*time.Second, ParseRetryAfter(h))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&HTTPError{StatusCode: 429}, true},
		{&HTTPError{StatusCode: 408}, true},
		{&HTTPError{StatusCode: 500}, true},
		{&HTTPError{StatusCode: 502}, true},
		{&HTTPError{StatusCode: 503}, true},
		{&HTTPError{StatusCode: 529}, true},
		{&HTTPError{StatusCode: 401}, false},
		{&HTTPError{StatusCode: 400}, false},
		{&HTTPError{StatusCode: 404}, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("invalid request body"), false},
		{fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 429}), true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryable(tc.err), "err=%v", tc.err)
	}
}

func TestRateLimitHelpers(t *testing.T) {
	err := fmt.Errorf("request: %w", &HTTPError{StatusCode: 429, RetryAfter: 7 * time.Second})
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 7*time.Second, RetryAfterFrom(err))

	assert.False(t, IsRateLimited(&HTTPError{StatusCode: 500}))
	assert.Equal(t, time.Duration(0), RetryAfterFrom(errors.New("plain")))
}

func TestIsEndpointMismatch(t *testing.T) {
	assert.True(t, isEndpointMismatch(&HTTPError{StatusCode: 404, Message: "unknown url"}))
	assert.True(t, isEndpointMismatch(&HTTPError{StatusCode: 400, Message: "this model is not supported in chat completions, use the responses API"}))
	assert.False(t, isEndpointMismatch(&HTTPError{StatusCode: 429, Message: "rate limited"}))
	assert.False(t, isEndpointMismatch(errors.New("connection refused")))
}
