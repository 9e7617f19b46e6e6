// Package fdw adapts the host's foreign-data-wrapper calls onto the
// credential cache, the row sources and the scan state machine. It holds no
// scan logic of its own.
package fdw

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/elbader17/quirefdw/pkg/assertion"
	"github.com/elbader17/quirefdw/pkg/credentials"
	"github.com/elbader17/quirefdw/pkg/keys"
	"github.com/elbader17/quirefdw/pkg/logger"
	"github.com/elbader17/quirefdw/pkg/quire"
	"github.com/elbader17/quirefdw/pkg/scan"
	"github.com/elbader17/quirefdw/pkg/telemetry"
)

const (
	// HostVersion is the host interface version range this adapter targets.
	HostVersion = "^0.1.0"

	DefaultTokenURI = "https://oauth2.googleapis.com/token"
	DefaultScope    = "https://www.googleapis.com/auth/spreadsheets.readonly"
)

// ErrUnsupported is returned for host calls the wrapper does not implement.
var ErrUnsupported = errors.New("not supported on this foreign table")

// HostVersionRequirement returns the host version range.
func HostVersionRequirement() string { return HostVersion }

// Wrapper is created once per process from the server options and then
// serves any number of scans.
type Wrapper struct {
	tokens scan.Tokens
	cache  *credentials.Cache

	httpClient     *http.Client
	baseURL        string
	sheetsEndpoint string
	rateLimit      float64

	log     logger.Sugared
	metrics *telemetry.Metrics

	mu      sync.Mutex
	sources map[quire.Backend]quire.Source
}

// Option configures a Wrapper.
type Option func(*Wrapper)

func WithLogger(l logger.Sugared) Option      { return func(w *Wrapper) { w.log = logger.OrNop(l) } }
func WithMetrics(m *telemetry.Metrics) Option { return func(w *Wrapper) { w.metrics = m } }
func WithHTTPClient(c *http.Client) Option    { return func(w *Wrapper) { w.httpClient = c } }

// New builds the wrapper from server options. Recognized options:
//
//	base_url              gviz document root
//	sheets_endpoint       Sheets API endpoint of the values backend
//	service_account_json  service account key file contents
//	private_key           PEM key, or a raw secret with key_type=hmac
//	key_type              rsa (default) or hmac
//	key_id                kid header of each assertion
//	client_email          assertion issuer
//	subject               assertion subject, for delegated access
//	token_uri             token endpoint and assertion audience
//	scope                 requested scope
//	rate_limit_rps        requests per second per backend
//	http_timeout_sec      timeout of every HTTP request
//
// Without service_account_json or private_key the wrapper reads public
// spreadsheets anonymously.
func New(server Options, opts ...Option) (*Wrapper, error) {
	w := &Wrapper{
		baseURL:        server.RequireOr("base_url", quire.DefaultBaseURL),
		sheetsEndpoint: server.RequireOr("sheets_endpoint", ""),
		log:            logger.Nop(),
		sources:        make(map[quire.Backend]quire.Source),
	}
	for _, o := range opts {
		o(w)
	}

	var err error
	if w.rateLimit, err = server.Float("rate_limit_rps", 0); err != nil {
		return nil, err
	}
	if w.httpClient == nil {
		timeout, err := server.Int("http_timeout_sec", 30)
		if err != nil {
			return nil, err
		}
		if timeout == 0 {
			return nil, errors.New(`option "http_timeout_sec" must be positive`)
		}
		w.httpClient = telemetry.NewHTTPClient(time.Duration(timeout) * time.Second)
	}

	cache, err := w.newCache(server)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		w.tokens = anonymous{}
		w.log.Infow("no key configured, reading public spreadsheets only")
	} else {
		w.cache = cache
		w.tokens = cache
	}
	return w, nil
}

// newCache returns nil, nil when no key is configured.
func (w *Wrapper) newCache(server Options) (*credentials.Cache, error) {
	issuer := server.RequireOr("client_email", "")
	tokenURI := server.RequireOr("token_uri", "")
	var km *keys.KeyMaterial
	var err error

	if saJSON, ok := server.Get("service_account_json"); ok {
		sa, err := keys.ParseServiceAccount([]byte(saJSON))
		if err != nil {
			return nil, err
		}
		if km, err = sa.Key(); err != nil {
			return nil, err
		}
		if issuer == "" {
			issuer = sa.ClientEmail
		}
		if tokenURI == "" {
			tokenURI = sa.TokenURI
		}
	} else if pk, ok := server.Get("private_key"); ok {
		kt := keys.KeyType(server.RequireOr("key_type", string(keys.KeyTypeRSA)))
		if km, err = keys.Decode(kt, []byte(pk)); err != nil {
			return nil, err
		}
		if issuer == "" {
			return nil, errors.New(`required option "client_email" is missing`)
		}
	} else {
		return nil, nil
	}

	if kid, ok := server.Get("key_id"); ok {
		km = km.WithKeyID(kid)
	}
	if tokenURI == "" {
		tokenURI = DefaultTokenURI
	}

	signer, err := assertion.NewSigner(km.Algorithm())
	if err != nil {
		return nil, err
	}
	ex := &credentials.HTTPExchanger{TokenURL: tokenURI, Client: w.httpClient}
	return credentials.New(credentials.Config{
		Issuer:   issuer,
		Subject:  server.RequireOr("subject", ""),
		Audience: tokenURI,
		Scope:    server.RequireOr("scope", DefaultScope),
	}, signer, km, ex,
		credentials.WithLogger(w.log),
		credentials.WithMetrics(w.metrics),
	)
}

// Token returns a bearer token, minting one if needed. In anonymous mode
// the token is empty.
func (w *Wrapper) Token(ctx context.Context) (credentials.AccessToken, error) {
	return w.tokens.GetToken(ctx)
}

// Anonymous reports whether no key is configured.
func (w *Wrapper) Anonymous() bool { return w.cache == nil }

// Source returns the shared row source of backend b, creating it on first
// use.
func (w *Wrapper) Source(ctx context.Context, b quire.Backend) (quire.Source, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if src, ok := w.sources[b]; ok {
		return src, nil
	}
	src, err := quire.New(ctx, quire.Config{
		Backend:        b,
		BaseURL:        w.baseURL,
		SheetsEndpoint: w.sheetsEndpoint,
		HTTPClient:     w.httpClient,
		RateLimit:      w.rateLimit,
		Logger:         w.log,
		Metrics:        w.metrics,
	})
	if err != nil {
		return nil, err
	}
	w.sources[b] = src
	return src, nil
}

// BeginScan starts a scan of the table described by table options:
//
//	spreadsheet_id  required
//	sheet_id        numeric sheet id (gid)
//	sheet           sheet title; required by the values backend
//	header_rows     rows above the data, default 1
//	backend         gviz (default) or values
//	page_size       rows per request
//	allow_partial   keep scanning past rows that fail conversion
func (w *Wrapper) BeginScan(ctx context.Context, table Options, schema quire.TableSchema, columns []string, preds []quire.Predicate) (*scan.Scan, error) {
	id, err := table.Require("spreadsheet_id")
	if err != nil {
		return nil, err
	}
	backend, err := quire.ParseBackend(table.RequireOr("backend", ""))
	if err != nil {
		return nil, err
	}
	headerRows, err := table.Int("header_rows", 1)
	if err != nil {
		return nil, err
	}
	pageSize, err := table.Int("page_size", quire.DefaultPageSize)
	if err != nil {
		return nil, err
	}
	allowPartial, err := table.Bool("allow_partial", false)
	if err != nil {
		return nil, err
	}

	src, err := w.Source(ctx, backend)
	if err != nil {
		return nil, err
	}
	return scan.Begin(src, w.tokens, scan.Request{
		Table: quire.TableRef{
			SpreadsheetID: id,
			Sheet:         table.RequireOr("sheet", ""),
			GID:           table.RequireOr("sheet_id", ""),
			HeaderRows:    &headerRows,
		},
		Schema:       schema,
		Columns:      columns,
		Predicates:   preds,
		PageSize:     pageSize,
		AllowPartial: allowPartial,
	}, scan.WithLogger(w.log), scan.WithMetrics(w.metrics))
}

// ReScan is not supported; the host restarts the scan instead.
func (w *Wrapper) ReScan() error { return errors.Wrap(ErrUnsupported, "re_scan") }

// BeginModify is not supported; foreign tables are read-only.
func (w *Wrapper) BeginModify() error { return errors.Wrap(ErrUnsupported, "modify") }

type anonymous struct{}

func (anonymous) GetToken(context.Context) (credentials.AccessToken, error) {
	return credentials.AccessToken{}, nil
}

func (anonymous) Invalidate() {}
