package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NetworkError covers failures to reach the service or a non-2xx reply.
// StatusCode is zero for transport failures.
type NetworkError struct {
	StatusCode int
	Message    string
	Code       string
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return "network error"
	}
	if e.StatusCode == 0 {
		if e.Err != nil {
			return "network error: " + e.Err.Error()
		}
		return "network error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if strings.TrimSpace(e.Code) != "" {
		return fmt.Sprintf("network error: status=%d code=%s message=%s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("network error: status=%d message=%s", e.StatusCode, msg)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// retryable reports whether opening the stream again might succeed.
func (e *NetworkError) retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// StreamError is a failure after the stream opened: a broken body, an
// oversized line or an explicit error frame.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	if e == nil || e.Err == nil {
		return "stream error"
	}
	return "stream error: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }

// ParseError means the stream ended without a usable result.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	if e == nil || e.Err == nil {
		return "parse error"
	}
	return "parse error: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

type TimeoutError struct {
	// Phase is one of open, idle, stream.
	Phase string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "timeout"
	}
	return fmt.Sprintf("%s timeout after %s", e.Phase, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

// Kind names the taxonomy bucket of err for logs and span attributes.
func Kind(err error) string {
	var (
		netErr     *NetworkError
		streamErr  *StreamError
		parseErr   *ParseError
		timeoutErr *TimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &streamErr):
		return "stream"
	case errors.As(err, &parseErr):
		return "parse"
	default:
		return "unknown"
	}
}

func parseHTTPError(status int, raw []byte) error {
	body := strings.TrimSpace(string(raw))

	var env struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code,omitempty"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && strings.TrimSpace(env.Error.Message) != "" {
		return &NetworkError{
			StatusCode: status,
			Message:    strings.TrimSpace(env.Error.Message),
			Code:       strings.TrimSpace(env.Error.Code),
			Body:       body,
		}
	}
	return &NetworkError{StatusCode: status, Body: body}
}
