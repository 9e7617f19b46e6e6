// Package quire reads typed rows out of a spreadsheet. A Source fetches one
// page of raw cells at a time, pruned to the projected columns and, where the
// backend allows it, filtered by pushed-down predicates; Convert maps the raw
// cells onto a TableSchema.
package quire

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/elbader17/quirefdw/pkg/credentials"
	"github.com/elbader17/quirefdw/pkg/fdwerr"
	"github.com/elbader17/quirefdw/pkg/logger"
	"github.com/elbader17/quirefdw/pkg/telemetry"
)

// DefaultPageSize is used when a PageRequest does not set one.
const DefaultPageSize = 500

// Backend selects the spreadsheet API a Source talks to.
type Backend string

const (
	// BackendGviz uses the visualization query endpoint. It supports
	// predicate pushdown.
	BackendGviz Backend = "gviz"
	// BackendValues uses the Sheets API v4 values endpoint. It prunes
	// columns but filters nothing.
	BackendValues Backend = "values"
)

// ParseBackend returns the backend named s; empty means gviz.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case "", BackendGviz:
		return BackendGviz, nil
	case BackendValues:
		return BackendValues, nil
	}
	return "", errors.Errorf("unknown backend %q", s)
}

// TableRef locates the cells backing a foreign table.
type TableRef struct {
	SpreadsheetID string
	// Sheet is the sheet title. The values backend requires it.
	Sheet string
	// GID is the numeric sheet id; gviz prefers it over Sheet.
	GID string
	// HeaderRows is the number of rows above the data; defaults to 1.
	HeaderRows *int
}

func (t TableRef) headerRows() int {
	if t.HeaderRows == nil {
		return 1
	}
	return *t.HeaderRows
}

// PageRequest asks for one page of rows.
type PageRequest struct {
	Table  TableRef
	Schema TableSchema
	// Continuation is empty for the first page.
	Continuation string
	// Projection lists schema column indexes; raw rows come back in this
	// order.
	Projection []int
	// Predicates are pushed down when the backend can; see CanPushDown.
	Predicates []Predicate
	PageSize   int
}

func (r *PageRequest) validate() error {
	if r.Table.SpreadsheetID == "" {
		return errors.New("spreadsheet ID is required")
	}
	if r.Table.headerRows() < 0 {
		return errors.New("header rows must not be negative")
	}
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
	for _, col := range r.Projection {
		if col < 0 || col >= len(r.Schema.Columns) {
			return errors.Errorf("projected column %d out of range", col)
		}
	}
	return nil
}

// fetchColumns is the projection, or the first column when nothing is
// projected so that rows can still be counted.
func (r PageRequest) fetchColumns() []int {
	if len(r.Projection) == 0 {
		return []int{0}
	}
	return r.Projection
}

func (r PageRequest) offset() (int, error) {
	if r.Continuation == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(r.Continuation)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid continuation token %q", r.Continuation)
	}
	return n, nil
}

// RowPage is one page of raw rows in projection order. Continuation is
// non-empty iff more pages remain.
type RowPage struct {
	Rows         [][]any
	Continuation string
}

// Source fetches pages of raw rows.
type Source interface {
	Backend() Backend
	// CanPushDown reports whether FetchPage applies p itself. Predicates it
	// cannot push are ignored by FetchPage and must be re-checked by the
	// caller.
	CanPushDown(schema TableSchema, p Predicate) bool
	FetchPage(ctx context.Context, req PageRequest, token credentials.AccessToken) (*RowPage, error)
}

// Config holds row source configuration.
type Config struct {
	Backend Backend
	// BaseURL is the gviz document root; defaults to DefaultBaseURL.
	BaseURL string
	// SheetsEndpoint overrides the Sheets API endpoint of the values
	// backend.
	SheetsEndpoint string
	HTTPClient     *http.Client
	// RateLimit caps requests per second; zero disables the limit.
	RateLimit float64

	Logger  logger.Sugared
	Metrics *telemetry.Metrics
}

// New creates a Source for the configured backend.
func New(ctx context.Context, cfg Config) (Source, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	switch cfg.Backend {
	case "", BackendGviz:
		return NewGvizSource(cfg), nil
	case BackendValues:
		client, err := newSheetsClient(ctx, cfg.HTTPClient, cfg.SheetsEndpoint)
		if err != nil {
			return nil, errors.Wrap(err, "create sheets client")
		}
		return NewValuesSource(client, cfg), nil
	}
	return nil, errors.Errorf("unknown backend %q", cfg.Backend)
}

// pager holds what both backends share: rate limiting, tracing, metrics
// and logging around a single page fetch.
type pager struct {
	backend Backend
	limiter *rate.Limiter
	log     logger.Sugared
	metrics *telemetry.Metrics
}

func newPager(b Backend, cfg Config) pager {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = max(1, int(cfg.RateLimit))
	}
	return pager{
		backend: b,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
	}
}

type fetchFunc func(ctx context.Context, req PageRequest, token credentials.AccessToken) (*RowPage, error)

func (p pager) fetch(ctx context.Context, req PageRequest, token credentials.AccessToken, fn fetchFunc) (*RowPage, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &fdwerr.SourceUnavailableError{Backend: string(p.backend), Err: err}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "quire.fetch_page", trace.WithAttributes(
		attribute.String("backend", string(p.backend)),
		attribute.String("spreadsheet_id", req.Table.SpreadsheetID),
		attribute.Int("page_size", req.PageSize),
	))
	defer span.End()

	page, err := fn(ctx, req, token)
	p.metrics.ObservePage(string(p.backend), err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.log.Warnw("page fetch failed",
			"backend", p.backend,
			"spreadsheet_id", req.Table.SpreadsheetID,
			"continuation", req.Continuation,
			"err", err,
		)
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(page.Rows)))
	p.log.Debugw("page fetched",
		"backend", p.backend,
		"spreadsheet_id", req.Table.SpreadsheetID,
		"rows", len(page.Rows),
		"more", page.Continuation != "",
	)
	return page, nil
}

// statusError maps a non-2xx backend response onto the error taxonomy.
func statusError(b Backend, status int, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &fdwerr.AuthError{StatusCode: status, Description: string(b) + " rejected the bearer token", Err: err}
	}
	return &fdwerr.SourceUnavailableError{Backend: string(b), StatusCode: status, Err: err}
}
