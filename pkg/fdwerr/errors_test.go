package fdwerr

import (
	"io"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"key format", &KeyFormatError{Reason: "missing PEM armor"}, "key format: missing PEM armor"},
		{"key format wrapped", &KeyFormatError{Reason: "bad DER", Err: io.ErrUnexpectedEOF}, "key format: bad DER: unexpected EOF"},
		{"signing", &SigningError{Reason: "HS256 key given to RS256 signer"}, "signing: HS256 key given to RS256 signer"},
		{"auth with status", &AuthError{StatusCode: 400, Code: "invalid_grant", Description: "Invalid JWT Signature."}, "auth: HTTP 400: invalid_grant (Invalid JWT Signature.)"},
		{"auth unreachable", &AuthError{Err: io.EOF}, "auth: EOF"},
		{"source", &SourceUnavailableError{Backend: "gviz", StatusCode: 503}, "source unavailable: gviz: HTTP 503"},
		{"mismatch", &TypeMismatchError{Row: 3, Column: 0, Name: "id", Expected: "int", Value: `"abc"`}, `type mismatch: row 3 column 0 (id): cannot convert "abc" to int`},
		{"sequence", &SequenceError{Op: "Next", State: "closed"}, "sequence: Next called in state closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestClassification(t *testing.T) {
	wrapped := errors.Wrap(&SourceUnavailableError{Backend: "values"}, "fetch page")
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsAuth(wrapped))

	auth := errors.Wrap(&AuthError{StatusCode: 401}, "fetch page")
	assert.True(t, IsAuth(auth))
	assert.False(t, IsRetryable(auth))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "***", Redact("short"))
	assert.Equal(t, "ya29.a***", Redact("ya29.a0AfH6SMBx"))
}
