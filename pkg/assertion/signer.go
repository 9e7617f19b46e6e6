// Package assertion builds and verifies the signed JWT assertions a service
// account exchanges for access tokens.
package assertion

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/elbader17/quirefdw/pkg/fdwerr"
	"github.com/elbader17/quirefdw/pkg/keys"
)

// MaxWindow bounds exp - iat of any assertion.
const MaxWindow = time.Hour

// Claims is the claim set of an assertion.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// wireClaims fixes the serialized field order: iss, sub, aud, exp, iat, scope.
type wireClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// SignedAssertion is a compact JWS split into its three base64url segments.
type SignedAssertion struct {
	Header    string
	Claims    string
	Signature string
}

// Compact returns header.claims.signature.
func (a SignedAssertion) Compact() string {
	return a.Header + "." + a.Claims + "." + a.Signature
}

// String hides the signature so an assertion can be logged safely.
func (a SignedAssertion) String() string {
	return a.Header + "." + a.Claims + ".<redacted>"
}

// Parse splits a compact assertion into its segments.
func Parse(compact string) (SignedAssertion, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return SignedAssertion{}, &fdwerr.SigningError{Reason: "assertion must have three non-empty segments"}
	}
	return SignedAssertion{Header: parts[0], Claims: parts[1], Signature: parts[2]}, nil
}

// Signer signs assertions with a single algorithm.
type Signer struct {
	alg    keys.Algorithm
	method jwt.SigningMethod
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock sets the clock used when verifying expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// NewSigner returns a signer for alg.
func NewSigner(alg keys.Algorithm, opts ...Option) (*Signer, error) {
	s := &Signer{alg: alg, now: time.Now}
	switch alg {
	case keys.HS256:
		s.method = jwt.SigningMethodHS256
	case keys.RS256:
		s.method = jwt.SigningMethodRS256
	default:
		return nil, &fdwerr.SigningError{Reason: fmt.Sprintf("unsupported algorithm %q", alg)}
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Algorithm returns the algorithm the signer was built for.
func (s *Signer) Algorithm() keys.Algorithm { return s.alg }

// Sign produces a signed assertion for c. HS256 output is deterministic for
// identical claims and key.
func (s *Signer) Sign(c Claims, km *keys.KeyMaterial) (SignedAssertion, error) {
	if err := validateClaims(c); err != nil {
		return SignedAssertion{}, err
	}
	key, err := s.signingKey(km)
	if err != nil {
		return SignedAssertion{}, err
	}

	wc := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.Issuer,
			Subject:   c.Subject,
			Audience:  jwt.ClaimStrings{c.Audience},
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
		},
		Scope: c.Scope,
	}
	tok := jwt.NewWithClaims(s.method, wc)
	if kid := km.KeyID(); kid != "" {
		tok.Header["kid"] = kid
	}

	compact, err := tok.SignedString(key)
	if err != nil {
		return SignedAssertion{}, &fdwerr.SigningError{Reason: "sign assertion", Err: err}
	}
	return Parse(compact)
}

// Verify checks a's signature against km and returns its claims. HMAC
// signatures are compared with hmac.Equal, so the check does not leak timing.
func (s *Signer) Verify(a SignedAssertion, km *keys.KeyMaterial) (Claims, error) {
	if km == nil || km.Algorithm() != s.alg {
		return Claims{}, s.mismatch(km)
	}
	var key any
	switch s.alg {
	case keys.HS256:
		key = km.Secret()
	case keys.RS256:
		key = &km.RSA().PublicKey
	}
	return s.verify(a, key)
}

// VerifyWithPublicKey checks an RS256 assertion signed by a third party.
func (s *Signer) VerifyWithPublicKey(a SignedAssertion, pub *rsa.PublicKey) (Claims, error) {
	if s.alg != keys.RS256 || pub == nil {
		return Claims{}, &fdwerr.SigningError{Reason: "public key verification requires an RS256 signer and a key"}
	}
	return s.verify(a, pub)
}

func (s *Signer) verify(a SignedAssertion, key any) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
	)
	var wc wireClaims
	_, err := parser.ParseWithClaims(a.Compact(), &wc, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Claims{}, &fdwerr.SigningError{Reason: "signature mismatch"}
		}
		return Claims{}, &fdwerr.SigningError{Reason: "verify assertion", Err: err}
	}

	c := Claims{
		Issuer:  wc.Issuer,
		Subject: wc.Subject,
		Scope:   wc.Scope,
	}
	if len(wc.Audience) > 0 {
		c.Audience = wc.Audience[0]
	}
	if wc.IssuedAt != nil {
		c.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		c.ExpiresAt = wc.ExpiresAt.Time
	}
	return c, nil
}

func (s *Signer) signingKey(km *keys.KeyMaterial) (any, error) {
	if km == nil || km.Algorithm() != s.alg {
		return nil, s.mismatch(km)
	}
	switch s.alg {
	case keys.HS256:
		return km.Secret(), nil
	default:
		if km.RSA() == nil {
			return nil, &fdwerr.SigningError{Reason: "RS256 key material has no private key"}
		}
		return km.RSA(), nil
	}
}

func (s *Signer) mismatch(km *keys.KeyMaterial) error {
	if km == nil {
		return &fdwerr.SigningError{Reason: "no key material"}
	}
	return &fdwerr.SigningError{Reason: fmt.Sprintf("%s key given to %s signer", km.Algorithm(), s.alg)}
}

func validateClaims(c Claims) error {
	switch {
	case c.Issuer == "":
		return &fdwerr.SigningError{Reason: "claims lack issuer"}
	case c.Audience == "":
		return &fdwerr.SigningError{Reason: "claims lack audience"}
	case c.IssuedAt.IsZero() || c.ExpiresAt.IsZero():
		return &fdwerr.SigningError{Reason: "claims lack iat or exp"}
	case c.ExpiresAt.Before(c.IssuedAt):
		return &fdwerr.SigningError{Reason: "exp precedes iat"}
	case c.ExpiresAt.Sub(c.IssuedAt) > MaxWindow:
		return &fdwerr.SigningError{Reason: fmt.Sprintf("assertion window exceeds %s", MaxWindow)}
	}
	return nil
}
