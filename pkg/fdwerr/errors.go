// Package fdwerr defines the error taxonomy shared by the credential
// subsystem, the row source and the scan state machine.
//
// Every error type carries enough context to diagnose a failure (row and
// column, HTTP status, OAuth error code) and never carries key material or
// bearer token values.
package fdwerr

import (
	"fmt"

	"github.com/go-faster/errors"
)

// KeyFormatError reports a key container that could not be decoded.
type KeyFormatError struct {
	Reason string
	Err    error
}

func (e *KeyFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("key format: %s: %v", e.Reason, e.Err)
	}
	return "key format: " + e.Reason
}

func (e *KeyFormatError) Unwrap() error { return e.Err }

// SigningError reports an assertion that could not be signed or verified.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing: %s: %v", e.Reason, e.Err)
	}
	return "signing: " + e.Reason
}

func (e *SigningError) Unwrap() error { return e.Err }

// AuthError reports a failed token exchange or a backend that refused the
// bearer token. StatusCode is zero when the endpoint was unreachable.
type AuthError struct {
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *AuthError) Error() string {
	msg := "auth"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// SourceUnavailableError reports a transport-level failure talking to the
// spreadsheet backend. Callers retry it once before failing the scan.
type SourceUnavailableError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *SourceUnavailableError) Error() string {
	msg := "source unavailable: " + e.Backend
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// TypeMismatchError reports a cell that cannot be converted to the declared
// column type. Row is the 0-based row index within the scan.
type TypeMismatchError struct {
	Row      int
	Column   int
	Name     string
	Expected string
	Value    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: row %d column %d (%s): cannot convert %s to %s",
		e.Row, e.Column, e.Name, e.Value, e.Expected)
}

// SequenceError reports a scan operation called in a state that does not
// allow it, e.g. Next after Close.
type SequenceError struct {
	Op    string
	State string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("sequence: %s called in state %s", e.Op, e.State)
}

// IsRetryable reports whether err is a SourceUnavailableError.
func IsRetryable(err error) bool {
	var su *SourceUnavailableError
	return errors.As(err, &su)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Redact shortens a secret-bearing string to a short prefix suitable for
// diagnostics.
func Redact(s string) string {
	const keep = 6
	if len(s) <= keep {
		return "***"
	}
	return s[:keep] + "***"
}
