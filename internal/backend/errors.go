// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

// Kind identifies which backend produced an error.
type Kind string

const (
	KindLM      Kind = "lm"
	KindRM      Kind = "rm"
	KindEncoder Kind = "encoder"
)

var (
	// ErrTransient matches any retryable backend failure via errors.Is.
	ErrTransient = errors.New("transient backend failure")

	// ErrCancelled matches cooperative cancellation of a run via errors.Is.
	ErrCancelled = errors.New("curation cancelled")
)

// BackendError is returned by LM, RM, and encoder adapters. An error of
// kind KindLM is the LMError of the backend contract; KindRM is the RMError.
type BackendError struct {
	Kind Kind

	// StatusCode is the HTTP status, when the failure came from a response.
	StatusCode int

	// Transient marks network errors, timeouts, rate limiting, and 5xx responses.
	Transient bool

	Err error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s backend", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Transient {
		b.WriteString(" transient")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransient) succeed for transient failures.
func (e *BackendError) Is(target error) bool {
	return target == ErrTransient && e.Transient
}

// LMError wraps a language model failure.
func LMError(err error, transient bool) error {
	return &BackendError{Kind: KindLM, Err: err, Transient: transient}
}

// RMError wraps a retrieval failure.
func RMError(err error, transient bool) error {
	return &BackendError{Kind: KindRM, Err: err, Transient: transient}
}

// StatusError builds a BackendError from an HTTP status. 429 and 5xx are transient.
func StatusError(kind Kind, status int, body string) error {
	return &BackendError{
		Kind:       kind,
		StatusCode: status,
		Transient:  status == 429 || status >= 500,
		Err:        fmt.Errorf("%s", strings.TrimSpace(body)),
	}
}

// MalformedOutputError reports backend output that could not be used.
type MalformedOutputError struct {
	Kind   Kind
	Reason string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output: %s", e.Kind, e.Reason)
}

// Malformed returns a MalformedOutputError for kind.
func Malformed(kind Kind, format string, args ...any) error {
	return &MalformedOutputError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ConfigurationError is fatal and surfaced before any pipeline work starts.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// ConfigError returns a ConfigurationError with a single problem.
func ConfigError(format string, args ...any) error {
	return &ConfigurationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// Cancelled wraps a context error so it matches both ErrCancelled and the
// original context error.
func Cancelled(err error) error {
	if err == nil {
		err = context.Canceled
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// IsCancelled reports whether err stems from context cancellation or deadline.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
