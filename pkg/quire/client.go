package quire

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/elbader17/quirefdw/pkg/credentials"
	"github.com/elbader17/quirefdw/pkg/fdwerr"
)

// SheetsClient defines the Sheets API calls used by the values backend.
type SheetsClient interface {
	// BatchGet returns one value grid per range, in range order.
	BatchGet(ctx context.Context, spreadsheetID string, ranges []string, token credentials.AccessToken) ([][][]interface{}, error)
	// RowCount returns the number of grid rows of the named sheet,
	// header rows included.
	RowCount(ctx context.Context, spreadsheetID, sheet string, token credentials.AccessToken) (int, error)
}

type sheetsClient struct {
	srv *sheets.Service
}

// newSheetsClient builds the Sheets service on top of httpClient. The
// bearer token is attached per call, so the service carries no credentials
// of its own.
func newSheetsClient(ctx context.Context, httpClient *http.Client, endpoint string) (*sheetsClient, error) {
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &sheetsClient{srv: srv}, nil
}

func (c *sheetsClient) BatchGet(ctx context.Context, spreadsheetID string, ranges []string, token credentials.AccessToken) ([][][]interface{}, error) {
	call := c.srv.Spreadsheets.Values.BatchGet(spreadsheetID).
		Ranges(ranges...).
		MajorDimension("ROWS").
		ValueRenderOption("UNFORMATTED_VALUE").
		DateTimeRenderOption("SERIAL_NUMBER").
		Context(ctx)
	if token.Value != "" {
		call.Header().Set("Authorization", token.OAuth2().Type()+" "+token.Value)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, apiError(err)
	}

	grids := make([][][]interface{}, len(ranges))
	for i, vr := range resp.ValueRanges {
		if i < len(grids) && vr != nil {
			grids[i] = vr.Values
		}
	}
	return grids, nil
}

func (c *sheetsClient) RowCount(ctx context.Context, spreadsheetID, sheet string, token credentials.AccessToken) (int, error) {
	call := c.srv.Spreadsheets.Get(spreadsheetID).
		Ranges(quoteSheetName(sheet)).
		Fields("sheets.properties(title,gridProperties.rowCount)").
		Context(ctx)
	if token.Value != "" {
		call.Header().Set("Authorization", token.OAuth2().Type()+" "+token.Value)
	}

	resp, err := call.Do()
	if err != nil {
		return 0, apiError(err)
	}
	for _, sh := range resp.Sheets {
		if sh.Properties != nil && sh.Properties.Title == sheet && sh.Properties.GridProperties != nil {
			return int(sh.Properties.GridProperties.RowCount), nil
		}
	}
	return 0, errors.Errorf("sheet %q not found", sheet)
}

func apiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return statusError(BackendValues, gerr.Code, errors.New(gerr.Message))
	}
	return &fdwerr.SourceUnavailableError{Backend: string(BackendValues), Err: err}
}

// ValuesSource reads pages through the Sheets API values endpoint, one
// single-column range per projected column. It filters nothing, so every
// predicate is left to the caller.
type ValuesSource struct {
	pager
	client SheetsClient
}

// NewValuesSource returns a values backed Source over client.
func NewValuesSource(client SheetsClient, cfg Config) *ValuesSource {
	return &ValuesSource{
		pager:  newPager(BackendValues, cfg),
		client: client,
	}
}

func (s *ValuesSource) Backend() Backend { return BackendValues }

func (s *ValuesSource) CanPushDown(TableSchema, Predicate) bool { return false }

func (s *ValuesSource) FetchPage(ctx context.Context, req PageRequest, token credentials.AccessToken) (*RowPage, error) {
	return s.fetch(ctx, req, token, s.fetchPage)
}

// fetchPage reads the window of PageSize rows that starts offset rows below
// the header. The API trims trailing blank rows from each range, so a short
// window says nothing about the rows after it: the next page starts right
// after the last row returned. An empty window is skipped over, up to the
// sheet's row count, and the blank rows it covered are returned only when
// data follows them.
func (s *ValuesSource) fetchPage(ctx context.Context, req PageRequest, token credentials.AccessToken) (*RowPage, error) {
	if req.Table.Sheet == "" {
		return nil, errors.New("values backend needs a sheet name")
	}
	offset, err := req.offset()
	if err != nil {
		return nil, err
	}

	cols := req.fetchColumns()
	limit := -1
	for cur := offset; ; cur += req.PageSize {
		if cur != offset {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, &fdwerr.SourceUnavailableError{Backend: string(BackendValues), Err: err}
			}
		}
		window, err := s.window(ctx, req, cols, cur, token)
		if err != nil {
			return nil, err
		}
		if len(window) > 0 {
			rows := make([][]any, 0, cur-offset+len(window))
			for range cur - offset {
				rows = append(rows, make([]any, len(cols)))
			}
			rows = append(rows, window...)
			return &RowPage{Rows: rows, Continuation: strconv.Itoa(cur + len(window))}, nil
		}

		if limit < 0 {
			total, err := s.client.RowCount(ctx, req.Table.SpreadsheetID, req.Table.Sheet, token)
			if err != nil {
				return nil, err
			}
			limit = total - req.Table.headerRows()
		}
		if cur+req.PageSize >= limit {
			return &RowPage{}, nil
		}
		s.log.Debugw("skipping blank window", "sheet", req.Table.Sheet, "offset", cur, "rows", limit)
	}
}

// window reads PageSize rows of cols starting offset rows below the header.
// The result is cut after the last row holding any value.
func (s *ValuesSource) window(ctx context.Context, req PageRequest, cols []int, offset int, token credentials.AccessToken) ([][]any, error) {
	start := req.Table.headerRows() + offset + 1
	end := start + req.PageSize - 1
	ranges := make([]string, len(cols))
	for i, c := range cols {
		letter := columnIndexToLetter(c)
		ranges[i] = fmt.Sprintf("%s!%s%d:%s%d", quoteSheetName(req.Table.Sheet), letter, start, letter, end)
	}

	grids, err := s.client.BatchGet(ctx, req.Table.SpreadsheetID, ranges, token)
	if err != nil {
		return nil, err
	}

	n := 0
	for _, g := range grids {
		n = max(n, len(g))
	}
	n = min(n, req.PageSize)
	rows := make([][]any, n)
	for i := range rows {
		row := make([]any, len(cols))
		for j, g := range grids {
			if j < len(row) && i < len(g) && len(g[i]) > 0 {
				row[j] = g[i][0]
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// quoteSheetName renders a sheet title for A1 notation: 'My ''Data'''.
func quoteSheetName(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
