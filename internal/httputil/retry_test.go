// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	RetryBaseDelay = time.Millisecond
}

// scripted serves statuses in order and repeats the last one.
func scripted(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func get(t *testing.T, ctx context.Context, ts *httptest.Server, maxRetries int) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	return DoWithRetry(ctx, ts.Client(), req, maxRetries)
}

func TestDoWithRetry(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int
		maxRetries int
		wantStatus int
		wantCalls  int32
	}{
		{"first try", []int{200}, 3, 200, 1},
		{"rate limited then ok", []int{429, 429, 200}, 3, 200, 3},
		{"overloaded then ok", []int{503, 502, 200}, 3, 200, 3},
		{"gives up with last response", []int{429}, 2, 429, 3},
		{"default retries", []int{504}, 0, 504, 3},
		{"client error is final", []int{404}, 3, 404, 1},
		{"server error is final", []int{500}, 3, 500, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, calls := scripted(t, tt.statuses...)

			resp, err := get(t, context.Background(), ts, tt.maxRetries)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(calls))
		})
	}
}

func TestDoWithRetryStopsOnCancel(t *testing.T) {
	old := RetryBaseDelay
	RetryBaseDelay = time.Hour
	t.Cleanup(func() { RetryBaseDelay = old })

	ts, calls := scripted(t, 429)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := get(t, ctx, ts, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestRetryable(t *testing.T) {
	for status, want := range map[int]bool{
		200: false, 400: false, 404: false, 500: false,
		429: true, 502: true, 503: true, 504: true,
	} {
		assert.Equal(t, want, Retryable(status), "status %d", status)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := map[string]struct {
		header string
		want   time.Duration
		ok     bool
	}{
		"absent":    {"", 0, false},
		"seconds":   {"3", 3 * time.Second, true},
		"capped":    {"3600", maxRetryAfter, true},
		"negative":  {"-1", 0, false},
		"http date": {"Wed, 21 Oct 2026 07:28:00 GMT", 0, false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			got, ok := retryAfter(resp)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
