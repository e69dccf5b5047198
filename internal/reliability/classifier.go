package reliability

import "strings"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableUpstreamError classifies upstream realtime error codes/types.
// A retryable error is still fatal for the connection; the flag only tells the
// client whether reconnecting later is worthwhile.
func IsRetryableUpstreamError(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "rate_limit_exceeded", "resource_exhausted", "queue_overflow",
		"server_error", "overloaded", "timeout", "unavailable":
		return true
	default:
		return false
	}
}
