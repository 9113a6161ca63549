package reliability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Connect failure kinds used as circuit breaker failure categories.
const (
	KindTimeout = "timeout"
	KindAuth    = "auth"
	KindRefused = "refused"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyHandshakeStatus maps a failed websocket handshake status to a connect kind.
func ClassifyHandshakeStatus(code int) string {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindRefused
	}
}

// ClassifyDialError maps a dial error to a connect kind. Anything that is neither a
// timeout nor an auth rejection is reported as refused.
func ClassifyDialError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindRefused
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// BackoffSchedule expands an exponential backoff into a fixed list of n delays.
func BackoffSchedule(n int, base, cap time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = ExponentialBackoff(i, base, cap)
	}
	return out
}

// ScheduleDelay returns the delay for a zero-based attempt; attempts past the end of
// the schedule reuse its last entry.
func ScheduleDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}
