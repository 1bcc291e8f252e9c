package agentd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a failure for clients. Kinds travel on error events and
// map to HTTP statuses at the transport edge.
type Kind string

const (
	KindAuthRequired       Kind = "auth-required"
	KindThreadBusy         Kind = "thread-busy"
	KindThreadNotFound     Kind = "thread-not-found"
	KindLLMUnavailable     Kind = "llm-unavailable"
	KindLLMInvalidResponse Kind = "llm-invalid-response"
	KindToolFailed         Kind = "tool-failed"
	KindSandboxUnavailable Kind = "sandbox-unavailable"
	KindPathEscape         Kind = "path-escape"
	KindTimeout            Kind = "timeout"
	KindRecursionExceeded  Kind = "recursion-exceeded"
	KindStorageUnavailable Kind = "storage-unavailable"
	KindStaleParent        Kind = "stale-parent"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Error is a classified error. Detail is safe to show to clients.
type Error struct {
	Kind   Kind
	Detail string
	Err    error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Detail + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error wrapping an optional cause.
func E(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

// Errf builds a classified error with a formatted detail.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report KindInternal; context cancellation reports
// KindCancelled so a client abort is never surfaced as a server fault.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value into a
// duration. Supports the delay-seconds form ("120") and the HTTP-date
// form. Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
