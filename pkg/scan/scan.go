// Package scan drives a pull-based scan over a page-based row source:
// Begin, then Next until io.EOF, then Close.
package scan

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/elbader17/quirefdw/pkg/credentials"
	"github.com/elbader17/quirefdw/pkg/fdwerr"
	"github.com/elbader17/quirefdw/pkg/logger"
	"github.com/elbader17/quirefdw/pkg/quire"
	"github.com/elbader17/quirefdw/pkg/telemetry"
)

// DefaultRetryDelay is the pause before the single page-fetch retry.
const DefaultRetryDelay = 200 * time.Millisecond

// Tokens supplies bearer tokens. *credentials.Cache implements it.
type Tokens interface {
	GetToken(ctx context.Context) (credentials.AccessToken, error)
	Invalidate()
}

// State is the lifecycle state of a Scan.
type State int

const (
	StateOpen State = iota
	StateExhausted
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Request describes one scan.
type Request struct {
	Table  quire.TableRef
	Schema quire.TableSchema
	// Columns are the projected column names, in output order.
	Columns    []string
	Predicates []quire.Predicate
	PageSize   int
	// AllowPartial lets the scan continue past rows that fail conversion.
	// Each such row is still reported by Next as a *fdwerr.TypeMismatchError.
	AllowPartial bool
}

// Option configures a Scan.
type Option func(*Scan)

func WithLogger(l logger.Sugared) Option      { return func(s *Scan) { s.log = logger.OrNop(l) } }
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Scan) { s.metrics = m } }
func WithRetryDelay(d time.Duration) Option   { return func(s *Scan) { s.retryDelay = d } }

type residual struct {
	pos  int
	pred quire.Predicate
}

// Scan is a cursor over the rows of one table. It is not safe for
// concurrent use; concurrent scans each use their own Scan.
type Scan struct {
	id     string
	src    quire.Source
	tokens Tokens
	req    Request

	// fetch is the projection followed by columns only residual
	// predicates need; width is the projected prefix handed out.
	fetch     []int
	width     int
	pushed    []quire.Predicate
	residuals []residual

	log        logger.Sugared
	metrics    *telemetry.Metrics
	retryDelay time.Duration

	state    State
	page     *quire.RowPage
	pos      int
	rowIndex int
	pages    int
	returned int
}

// Begin validates req against its schema and returns an open scan. No
// request is made until the first Next.
func Begin(src quire.Source, tokens Tokens, req Request, opts ...Option) (*Scan, error) {
	if src == nil || tokens == nil {
		return nil, errors.New("scan needs a row source and a token source")
	}
	if err := req.Schema.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid schema")
	}

	s := &Scan{
		id:         uuid.NewString(),
		src:        src,
		tokens:     tokens,
		req:        req,
		log:        logger.Nop(),
		retryDelay: DefaultRetryDelay,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("scan_id", s.id, "spreadsheet_id", req.Table.SpreadsheetID, "backend", src.Backend())

	for _, name := range req.Columns {
		idx := req.Schema.Index(name)
		if idx < 0 {
			return nil, errors.Errorf("unknown column %q", name)
		}
		s.fetch = append(s.fetch, idx)
	}
	s.width = len(s.fetch)

	for _, p := range req.Predicates {
		idx := req.Schema.Index(p.Column)
		if idx < 0 {
			return nil, errors.Errorf("predicate on unknown column %q", p.Column)
		}
		if src.CanPushDown(req.Schema, p) {
			s.pushed = append(s.pushed, p)
			continue
		}
		pos := slices.Index(s.fetch, idx)
		if pos < 0 {
			pos = len(s.fetch)
			s.fetch = append(s.fetch, idx)
		}
		s.residuals = append(s.residuals, residual{pos: pos, pred: p})
	}

	s.log.Debugw("scan started",
		"columns", req.Columns,
		"pushed", len(s.pushed),
		"residual", len(s.residuals),
	)
	return s, nil
}

// ID identifies the scan in logs.
func (s *Scan) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Scan) State() State { return s.state }

// Next returns the next row, or io.EOF once the source is exhausted. Calling
// Next after io.EOF, after a fatal error or after Close returns a
// *fdwerr.SequenceError.
func (s *Scan) Next(ctx context.Context) (quire.Row, error) {
	if s.state != StateOpen {
		return nil, &fdwerr.SequenceError{Op: "next", State: s.state.String()}
	}

	for {
		if s.page != nil && s.pos < len(s.page.Rows) {
			raw := s.page.Rows[s.pos]
			s.pos++
			idx := s.rowIndex
			s.rowIndex++

			row, err := quire.Convert(raw, idx, s.req.Schema, s.fetch)
			s.metrics.ObserveRow(err)
			if err != nil {
				if s.req.AllowPartial {
					s.log.Warnw("skipping row", "row", idx, "err", err)
					return nil, err
				}
				s.fail(err)
				return nil, err
			}
			if !s.matches(row) {
				continue
			}
			s.returned++
			return slices.Clip(row[:s.width]), nil
		}

		if s.page != nil && s.page.Continuation == "" {
			s.state = StateExhausted
			s.log.Debugw("scan exhausted", "pages", s.pages, "rows", s.returned)
			return nil, io.EOF
		}

		page, err := s.fetchPage(ctx)
		if err != nil {
			s.fail(err)
			return nil, err
		}
		s.page = page
		s.pos = 0
		s.pages++
	}
}

func (s *Scan) matches(row quire.Row) bool {
	for _, r := range s.residuals {
		if !r.pred.Matches(row[r.pos]) {
			return false
		}
	}
	return true
}

// fetchPage gets a token and the next page. A SourceUnavailableError is
// retried once. An AuthError drops the cached token and is not retried.
func (s *Scan) fetchPage(ctx context.Context) (*quire.RowPage, error) {
	req := quire.PageRequest{
		Table:      s.req.Table,
		Schema:     s.req.Schema,
		Projection: s.fetch,
		Predicates: s.pushed,
		PageSize:   s.req.PageSize,
	}
	if s.page != nil {
		req.Continuation = s.page.Continuation
	}

	delay := s.retryDelay
	if delay <= 0 {
		delay = time.Nanosecond
	}
	var page *quire.RowPage
	attempt := 0
	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(delay)), func(ctx context.Context) error {
		attempt++
		tok, err := s.tokens.GetToken(ctx)
		if err != nil {
			return err
		}
		p, err := s.src.FetchPage(ctx, req, tok)
		switch {
		case err == nil:
			page = p
			return nil
		case fdwerr.IsAuth(err):
			s.tokens.Invalidate()
			return err
		case fdwerr.IsRetryable(err):
			s.log.Infow("page source unavailable", "page", s.pages, "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Scan) fail(err error) {
	s.state = StateFailed
	s.page = nil
	s.log.Warnw("scan failed", "page", s.pages, "row", s.rowIndex, "err", err)
}

// Close releases the cursor. It is idempotent.
func (s *Scan) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.page = nil
	s.log.Debugw("scan closed", "rows", s.returned)
	return nil
}
