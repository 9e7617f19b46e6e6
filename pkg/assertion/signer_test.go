package assertion

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elbader17/quirefdw/pkg/fdwerr"
	"github.com/elbader17/quirefdw/pkg/keys"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testClaims() Claims {
	return Claims{
		Issuer:    "reader@project.iam.gserviceaccount.com",
		Audience:  "https://oauth2.googleapis.com/token",
		Scope:     "https://www.googleapis.com/auth/spreadsheets.readonly",
		IssuedAt:  fixedNow,
		ExpiresAt: fixedNow.Add(time.Hour),
	}
}

func hmacKey(t *testing.T) *keys.KeyMaterial {
	t.Helper()
	km, err := keys.NewHMAC([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return km
}

func rsaKey(t *testing.T) *keys.KeyMaterial {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	km, err := keys.NewRSA(k)
	require.NoError(t, err)
	return km
}

func clock() Option { return WithClock(func() time.Time { return fixedNow.Add(time.Minute) }) }

func TestSign_HS256Deterministic(t *testing.T) {
	s, err := NewSigner(keys.HS256, clock())
	require.NoError(t, err)
	km := hmacKey(t)

	a1, err := s.Sign(testClaims(), km)
	require.NoError(t, err)
	a2, err := s.Sign(testClaims(), km)
	require.NoError(t, err)

	assert.Equal(t, a1.Compact(), a2.Compact())
	assert.Equal(t, a1.Signature, a2.Signature)

	header, err := base64.RawURLEncoding.DecodeString(a1.Header)
	require.NoError(t, err)
	assert.JSONEq(t, `{"alg":"HS256","typ":"JWT"}`, string(header))

	claims, err := base64.RawURLEncoding.DecodeString(a1.Claims)
	require.NoError(t, err)
	assert.Equal(t,
		`{"iss":"reader@project.iam.gserviceaccount.com","aud":"https://oauth2.googleapis.com/token","exp":1772370000,"iat":1772366400,"scope":"https://www.googleapis.com/auth/spreadsheets.readonly"}`,
		string(claims))
}

func TestSign_RS256Verifies(t *testing.T) {
	s, err := NewSigner(keys.RS256, clock())
	require.NoError(t, err)
	km := rsaKey(t).WithKeyID("key-1")

	a, err := s.Sign(testClaims(), km)
	require.NoError(t, err)

	header, err := base64.RawURLEncoding.DecodeString(a.Header)
	require.NoError(t, err)
	assert.JSONEq(t, `{"alg":"RS256","kid":"key-1","typ":"JWT"}`, string(header))

	got, err := s.Verify(a, km)
	require.NoError(t, err)
	assert.Equal(t, testClaims().Issuer, got.Issuer)
	assert.Equal(t, testClaims().Audience, got.Audience)
	assert.Equal(t, testClaims().Scope, got.Scope)
	assert.True(t, got.ExpiresAt.Equal(fixedNow.Add(time.Hour)))

	got, err = s.VerifyWithPublicKey(a, &km.RSA().PublicKey)
	require.NoError(t, err)
	assert.Equal(t, testClaims().Issuer, got.Issuer)
}

func TestVerify_RejectsTampering(t *testing.T) {
	tests := []struct {
		name string
		alg  keys.Algorithm
		km   func(t *testing.T) *keys.KeyMaterial
	}{
		{"hs256", keys.HS256, hmacKey},
		{"rs256", keys.RS256, rsaKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSigner(tt.alg, clock())
			require.NoError(t, err)
			km := tt.km(t)

			a, err := s.Sign(testClaims(), km)
			require.NoError(t, err)

			other, err := s.Sign(Claims{
				Issuer:    "someone-else",
				Audience:  testClaims().Audience,
				IssuedAt:  fixedNow,
				ExpiresAt: fixedNow.Add(time.Hour),
			}, km)
			require.NoError(t, err)

			forged := SignedAssertion{Header: a.Header, Claims: other.Claims, Signature: a.Signature}
			_, err = s.Verify(forged, km)
			var se *fdwerr.SigningError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, "signature mismatch", se.Reason)
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	late := WithClock(func() time.Time { return fixedNow.Add(2 * time.Hour) })
	s, err := NewSigner(keys.HS256, late)
	require.NoError(t, err)
	km := hmacKey(t)

	a, err := s.Sign(testClaims(), km)
	require.NoError(t, err)

	_, err = s.Verify(a, km)
	var se *fdwerr.SigningError
	require.True(t, errors.As(err, &se))
}

func TestSign_Errors(t *testing.T) {
	hs, err := NewSigner(keys.HS256)
	require.NoError(t, err)
	rs, err := NewSigner(keys.RS256)
	require.NoError(t, err)

	tests := []struct {
		name   string
		signer *Signer
		claims Claims
		km     *keys.KeyMaterial
		reason string
	}{
		{"symmetric key to asymmetric signer", rs, testClaims(), hmacKey(t), "HS256 key given to RS256 signer"},
		{"asymmetric key to symmetric signer", hs, testClaims(), rsaKey(t), "RS256 key given to HS256 signer"},
		{"nil key", hs, testClaims(), nil, "no key material"},
		{"missing issuer", hs, func() Claims { c := testClaims(); c.Issuer = ""; return c }(), hmacKey(t), "claims lack issuer"},
		{"exp before iat", hs, func() Claims { c := testClaims(); c.ExpiresAt = fixedNow.Add(-time.Second); return c }(), hmacKey(t), "exp precedes iat"},
		{"window too long", hs, func() Claims { c := testClaims(); c.ExpiresAt = fixedNow.Add(2 * time.Hour); return c }(), hmacKey(t), "assertion window exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.signer.Sign(tt.claims, tt.km)
			var se *fdwerr.SigningError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Contains(t, se.Reason, tt.reason)
		})
	}
}

func TestNewSigner_UnknownAlgorithm(t *testing.T) {
	_, err := NewSigner(keys.Algorithm("ES256"))
	var se *fdwerr.SigningError
	assert.True(t, errors.As(err, &se))
}

func TestParse(t *testing.T) {
	a, err := Parse("aaa.bbb.ccc")
	require.NoError(t, err)
	assert.Equal(t, SignedAssertion{Header: "aaa", Claims: "bbb", Signature: "ccc"}, a)
	assert.Equal(t, "aaa.bbb.<redacted>", a.String())

	for _, bad := range []string{"", "a.b", "a..c", "a.b.c.d"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}
