package dispatcher

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Attempt result labels used in logs and metrics.
const (
	ResultSuccess  = "success"
	ResultHTTP4xx  = "http_4xx"
	ResultHTTP5xx  = "http_5xx"
	ResultTimeout  = "timeout"
	ResultNetwork  = "network"
	ResultDecode   = "decode"
	ResultCanceled = "canceled"
	ResultUnknown  = "unknown"
)

// classifyAttempt labels the outcome of a single delivery attempt.
func classifyAttempt(err error) string {
	if err == nil {
		return ResultSuccess
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return ResultHTTP5xx
		}
		return ResultHTTP4xx
	}

	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return ResultDecode
	}

	if isTimeoutError(err) {
		return ResultTimeout
	}

	if errors.Is(err, context.Canceled) {
		return ResultCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ResultNetwork
	}

	// Network errors (connection issues) surfaced as plain strings
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof") {
		return ResultNetwork
	}

	return ResultUnknown
}

// isTimeoutError checks if error is specifically a timeout
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}
