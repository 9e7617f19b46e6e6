// Package credentials turns a service-account key into short-lived bearer
// tokens and caches them until shortly before they expire.
package credentials

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/elbader17/quirefdw/pkg/assertion"
	"github.com/elbader17/quirefdw/pkg/fdwerr"
	"github.com/elbader17/quirefdw/pkg/keys"
	"github.com/elbader17/quirefdw/pkg/logger"
	"github.com/elbader17/quirefdw/pkg/telemetry"
)

// DefaultMargin is how long before expiry a token stops being served.
const DefaultMargin = 60 * time.Second

// State is the lifecycle state of the cached token.
type State int

const (
	StateEmpty State = iota
	StatePending
	StateValid
	StateExpiring
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePending:
		return "pending"
	case StateValid:
		return "valid"
	case StateExpiring:
		return "expiring"
	}
	return "unknown"
}

// Config holds the claims placed in every assertion.
type Config struct {
	Issuer   string
	Subject  string
	Audience string
	Scope    string

	// Window is exp - iat of each assertion; defaults to assertion.MaxWindow.
	Window time.Duration
	// Margin defaults to DefaultMargin.
	Margin time.Duration
}

// Cache serves a cached access token and refreshes it when it nears expiry.
// At most one refresh is in flight at a time; concurrent callers wait for
// its result. Failures are returned to every waiter and never cached.
type Cache struct {
	cfg       Config
	signer    *assertion.Signer
	key       *keys.KeyMaterial
	exchanger Exchanger
	now       func() time.Time
	log       logger.Sugared
	metrics   *telemetry.Metrics

	mu      sync.Mutex
	token   *AccessToken
	pending bool

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

func WithClock(now func() time.Time) Option   { return func(c *Cache) { c.now = now } }
func WithLogger(l logger.Sugared) Option      { return func(c *Cache) { c.log = logger.OrNop(l) } }
func WithMetrics(m *telemetry.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// New returns an empty cache.
func New(cfg Config, signer *assertion.Signer, key *keys.KeyMaterial, ex Exchanger, opts ...Option) (*Cache, error) {
	if signer == nil || key == nil || ex == nil {
		return nil, &fdwerr.SigningError{Reason: "credential cache needs a signer, key material and an exchanger"}
	}
	if key.Algorithm() != signer.Algorithm() {
		return nil, &fdwerr.SigningError{Reason: string(key.Algorithm()) + " key given to " + string(signer.Algorithm()) + " signer"}
	}
	if cfg.Window <= 0 {
		cfg.Window = assertion.MaxWindow
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	c := &Cache{
		cfg:       cfg,
		signer:    signer,
		key:       key,
		exchanger: ex,
		now:       time.Now,
		log:       logger.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// State reports the current lifecycle state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(c.now())
}

func (c *Cache) stateLocked(now time.Time) State {
	switch {
	case c.pending:
		return StatePending
	case c.token == nil || !now.Before(c.token.Expiry):
		return StateEmpty
	case c.token.ValidAt(now, c.cfg.Margin):
		return StateValid
	default:
		return StateExpiring
	}
}

// cached returns the token if it is valid.
func (c *Cache) cached() (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.ValidAt(c.now(), c.cfg.Margin) {
		return *c.token, true
	}
	return AccessToken{}, false
}

// GetToken returns a valid token, refreshing it first when needed.
func (c *Cache) GetToken(ctx context.Context) (AccessToken, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	// The refresh outlives any single caller's cancellation; other waiters
	// may depend on it.
	ch := c.group.DoChan("token", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return AccessToken{}, &fdwerr.AuthError{Description: "waiting for token refresh", Err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return AccessToken{}, r.Err
		}
		return r.Val.(AccessToken), nil
	}
}

func (c *Cache) refresh(ctx context.Context) (AccessToken, error) {
	c.mu.Lock()
	now := c.now()
	if c.token != nil && c.token.ValidAt(now, c.cfg.Margin) {
		tok := *c.token
		c.mu.Unlock()
		return tok, nil
	}
	from := c.stateLocked(now)
	c.pending = true
	c.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "credentials.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("from_state", from.String()))

	tok, err := c.mint(ctx, now)

	c.mu.Lock()
	c.pending = false
	if err == nil {
		c.token = &tok
	}
	c.mu.Unlock()

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.log.Warnw("token refresh failed", "from_state", from.String(), "err", err)
		return AccessToken{}, err
	}
	c.log.Debugw("token refreshed", "from_state", from.String(), "expires_at", tok.Expiry)
	return tok, nil
}

func (c *Cache) mint(ctx context.Context, now time.Time) (AccessToken, error) {
	a, err := c.signer.Sign(assertion.Claims{
		Issuer:    c.cfg.Issuer,
		Subject:   c.cfg.Subject,
		Audience:  c.cfg.Audience,
		Scope:     c.cfg.Scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.cfg.Window),
	}, c.key)
	if err != nil {
		return AccessToken{}, err
	}
	tok, err := c.exchanger.Exchange(ctx, a)
	c.metrics.ObserveExchange(err)
	return tok, err
}

// Invalidate drops the cached token, e.g. after the backend rejected it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}

// Token implements oauth2.TokenSource.
func (c *Cache) Token() (*oauth2.Token, error) {
	tok, err := c.GetToken(context.Background())
	if err != nil {
		return nil, err
	}
	return tok.OAuth2(), nil
}

var _ oauth2.TokenSource = (*Cache)(nil)
