package client

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError means the caller has no usable credentials. Signing in again is
// the only fix.
type AuthError struct {
	Msg string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication required: %s: %v", e.Msg, e.Err)
	}
	return "authentication required: " + e.Msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx gateway response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.StatusCode >= 500 {
		return fmt.Sprintf("server error %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, msg)
}

// TransportError wraps connection level failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "network error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// AbortReason says why a stream was cut short.
type AbortReason string

const (
	AbortUser    AbortReason = "user"
	AbortTimeout AbortReason = "timeout"
)

// AbortError reports a stream that was stopped before completion.
type AbortError struct {
	Reason AbortReason
	Err    error
}

func (e *AbortError) Error() string {
	if e.Reason == AbortTimeout {
		return "request timed out"
	}
	return "stream stopped"
}

func (e *AbortError) Unwrap() error { return e.Err }

// AgentError is a failure the gateway reported inside the stream.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string { return e.Message }

// IsUserAbort reports whether err is a stream stopped on request.
func IsUserAbort(err error) bool {
	var abort *AbortError
	return errors.As(err, &abort) && abort.Reason == AbortUser
}

var (
	errStopped    = errors.New("stopped by caller")
	errSuperseded = errors.New("superseded by a newer stream")
	errTimedOut   = errors.New("request timeout elapsed")
)
