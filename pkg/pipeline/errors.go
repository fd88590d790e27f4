// Package pipeline defines the failure model and call wrapper shared by
// the external pipeline clients (speech transcription, note structuring,
// posting). Upstream failures are classified into a small set of kinds
// the session actor can act on mechanically: retriable kinds feed the
// retry and breaker wrappers, terminal kinds surface as error events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go"
)

// ErrorKind classifies an external call failure.
type ErrorKind string

// Failure kinds. timeout, upstream_error, and rate_limited are worth
// another attempt; the rest are terminal for the current call.
const (
	KindTimeout      ErrorKind = "timeout"
	KindUpstream     ErrorKind = "upstream_error"
	KindRateLimited  ErrorKind = "rate_limited"
	KindInvalidAudio ErrorKind = "invalid_audio"
	KindInvalidInput ErrorKind = "invalid_input"
	KindCancelled    ErrorKind = "cancelled"
)

// Retriable reports whether another attempt may succeed.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindTimeout, KindUpstream, KindRateLimited:
		return true
	}
	return false
}

// Error is a classified external call failure.
type Error struct {
	// Op names the failing operation, e.g. "transcribe" or "structure".
	Op string

	// Kind is the failure classification.
	Kind ErrorKind

	// Hint carries an upstream Retry-After when one was provided.
	Hint time.Duration

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryAfter implements resilience.DelayHinter.
func (e *Error) RetryAfter() time.Duration { return e.Hint }

// NewError builds a classified failure.
func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the failure kind from an error chain. Context errors
// classify as timeout and cancelled; everything else unclassified is
// treated as upstream.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUpstream
}

// Retriable is the retry predicate used by the resilient wrappers.
// Cancellation is never retried; an open breaker is, so calls ride out a
// short open window inside their overall budget.
func Retriable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retriable()
}

// FromOpenAI classifies an openai-go call error. invalidKind is used for
// non-429 4xx responses and differs per call surface (invalid_audio for
// speech, invalid_input for chat).
func FromOpenAI(op string, err error, invalidKind ErrorKind) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Op: op, Kind: KindCancelled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: KindTimeout, Err: err}
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &Error{Op: op, Kind: KindRateLimited, Hint: retryAfterHint(apierr), Err: err}
		case apierr.StatusCode >= 400 && apierr.StatusCode < 500:
			return &Error{Op: op, Kind: invalidKind, Err: err}
		default:
			return &Error{Op: op, Kind: KindUpstream, Err: err}
		}
	}

	// Transport-level failures (connection reset, DNS) land here.
	return &Error{Op: op, Kind: KindUpstream, Err: err}
}

func retryAfterHint(apierr *openai.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	raw := apierr.Response.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
