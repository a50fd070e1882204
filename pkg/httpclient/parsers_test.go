package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func headersFrom(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func TestParseOpenAIHeaders(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected RateLimitInfo
	}{
		{name: "empty_headers", headers: map[string]string{}, expected: RateLimitInfo{}},
		{
			name:     "retry_after_seconds",
			headers:  map[string]string{"Retry-After": "30"},
			expected: RateLimitInfo{RetryAfter: 30 * time.Second},
		},
		{
			name:     "retry_after_invalid",
			headers:  map[string]string{"Retry-After": "soon"},
			expected: RateLimitInfo{},
		},
		{
			name:     "token_reset_time",
			headers:  map[string]string{"x-ratelimit-reset-tokens": "1640995200"},
			expected: RateLimitInfo{ResetTime: 1640995200},
		},
		{
			name: "token_reset_wins_over_request_reset",
			headers: map[string]string{
				"x-ratelimit-reset-tokens":   "1640995200",
				"x-ratelimit-reset-requests": "1640995300",
			},
			expected: RateLimitInfo{ResetTime: 1640995200},
		},
		{
			name: "remaining_counters",
			headers: map[string]string{
				"x-ratelimit-remaining-requests": "42",
				"x-ratelimit-remaining-tokens":   "9000",
			},
			expected: RateLimitInfo{RequestsRemaining: 42, TokensRemaining: 9000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseOpenAIHeaders(headersFrom(tt.headers))
			if got != tt.expected {
				t.Errorf("ParseOpenAIHeaders() = %+v, want %+v", got, tt.expected)
			}
		})
	}
}

func TestParseAnthropicHeaders(t *testing.T) {
	resetAt := time.Now().Add(45 * time.Second).UTC().Truncate(time.Second)

	tests := []struct {
		name     string
		headers  map[string]string
		expected RateLimitInfo
	}{
		{name: "empty_headers", headers: map[string]string{}, expected: RateLimitInfo{}},
		{
			name:     "retry_after_seconds",
			headers:  map[string]string{"retry-after": "12"},
			expected: RateLimitInfo{RetryAfter: 12 * time.Second},
		},
		{
			name:     "rfc3339_reset",
			headers:  map[string]string{"anthropic-ratelimit-requests-reset": resetAt.Format(time.RFC3339)},
			expected: RateLimitInfo{ResetTime: resetAt.Unix()},
		},
		{
			name: "remaining_counters",
			headers: map[string]string{
				"anthropic-ratelimit-requests-remaining":      "10",
				"anthropic-ratelimit-input-tokens-remaining":  "20000",
				"anthropic-ratelimit-output-tokens-remaining": "8000",
			},
			expected: RateLimitInfo{
				RequestsRemaining:     10,
				InputTokensRemaining:  20000,
				OutputTokensRemaining: 8000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAnthropicHeaders(headersFrom(tt.headers))
			if got != tt.expected {
				t.Errorf("ParseAnthropicHeaders() = %+v, want %+v", got, tt.expected)
			}
		})
	}
}
