package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/elbader17/quirefdw/pkg/assertion"
	"github.com/elbader17/quirefdw/pkg/fdwerr"
)

const (
	// GrantTypeJWTBearer is the grant_type sent with every assertion.
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// DefaultValidity is assumed when the token endpoint omits expires_in.
	DefaultValidity = 5 * time.Minute

	// MaxValidity caps the lifetime claimed by the token endpoint.
	MaxValidity = 24 * time.Hour
)

// AccessToken is a bearer credential with an absolute expiry.
type AccessToken struct {
	Value  string
	Type   string
	Expiry time.Time
}

// ValidAt reports whether the token can still be used at now, keeping
// margin in reserve.
func (t AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.Expiry)
}

func (t AccessToken) tokenType() string {
	if t.Type == "" || strings.EqualFold(t.Type, "bearer") {
		return "Bearer"
	}
	return t.Type
}

// SetAuthHeader sets the Authorization header of r.
func (t AccessToken) SetAuthHeader(r *http.Request) {
	r.Header.Set("Authorization", t.tokenType()+" "+t.Value)
}

// OAuth2 converts t for use with golang.org/x/oauth2 based clients.
func (t AccessToken) OAuth2() *oauth2.Token {
	return &oauth2.Token{AccessToken: t.Value, TokenType: t.tokenType(), Expiry: t.Expiry}
}

// String never prints the full token value.
func (t AccessToken) String() string {
	return fmt.Sprintf("AccessToken(%s, expires %s)", fdwerr.Redact(t.Value), t.Expiry.UTC().Format(time.RFC3339))
}

// Exchanger trades a signed assertion for an access token.
type Exchanger interface {
	Exchange(ctx context.Context, a assertion.SignedAssertion) (AccessToken, error)
}

// HTTPExchanger posts assertions to an OAuth 2.0 token endpoint.
type HTTPExchanger struct {
	TokenURL string
	Client   *http.Client
	Now      func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   *int64 `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange performs one round trip to the token endpoint. Every failure,
// including timeouts, is an *fdwerr.AuthError.
func (e *HTTPExchanger) Exchange(ctx context.Context, a assertion.SignedAssertion) (AccessToken, error) {
	form := url.Values{
		"grant_type": {GrantTypeJWTBearer},
		"assertion":  {a.Compact()},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, &fdwerr.AuthError{Description: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	issued := now()
	resp, err := client.Do(req)
	if err != nil {
		return AccessToken{}, &fdwerr.AuthError{Description: "token endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccessToken{}, &fdwerr.AuthError{StatusCode: resp.StatusCode, Description: "read token response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		_ = json.Unmarshal(body, &er)
		return AccessToken{}, &fdwerr.AuthError{
			StatusCode:  resp.StatusCode,
			Code:        er.Error,
			Description: er.ErrorDescription,
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, &fdwerr.AuthError{StatusCode: resp.StatusCode, Description: "malformed token response"}
	}
	if tr.AccessToken == "" {
		return AccessToken{}, &fdwerr.AuthError{StatusCode: resp.StatusCode, Description: "token response lacks access_token"}
	}

	validity := DefaultValidity
	if tr.ExpiresIn != nil {
		secs := min(max(*tr.ExpiresIn, 0), int64(MaxValidity/time.Second))
		validity = time.Duration(secs) * time.Second
	}
	return AccessToken{
		Value:  tr.AccessToken,
		Type:   tr.TokenType,
		Expiry: issued.Add(validity),
	}, nil
}
