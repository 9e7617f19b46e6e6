package quire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/elbader17/quirefdw/pkg/credentials"
	"github.com/elbader17/quirefdw/pkg/fdwerr"
)

// DefaultBaseURL is the document root of the visualization endpoint.
const DefaultBaseURL = "https://docs.google.com/spreadsheets/d"

const maxGvizBody = 32 << 20

// GvizSource reads pages through the visualization query endpoint
// (/gviz/tq). Projection becomes the select list, supported predicates the
// where clause, and paging uses limit/offset.
type GvizSource struct {
	pager
	baseURL string
	client  *http.Client
}

// NewGvizSource returns a gviz backed Source.
func NewGvizSource(cfg Config) *GvizSource {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &GvizSource{
		pager:   newPager(BackendGviz, cfg),
		baseURL: base,
		client:  client,
	}
}

func (s *GvizSource) Backend() Backend { return BackendGviz }

func (s *GvizSource) CanPushDown(schema TableSchema, p Predicate) bool {
	_, ok := gvizClause(schema, p)
	return ok
}

func (s *GvizSource) FetchPage(ctx context.Context, req PageRequest, token credentials.AccessToken) (*RowPage, error) {
	return s.fetch(ctx, req, token, s.fetchPage)
}

func (s *GvizSource) fetchPage(ctx context.Context, req PageRequest, token credentials.AccessToken) (*RowPage, error) {
	offset, err := req.offset()
	if err != nil {
		return nil, err
	}

	u, err := s.url(req, offset)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build gviz request")
	}
	httpReq.Header.Set("User-Agent", "quirefdw")
	// Makes the endpoint answer with guarded JSON instead of a JS callback.
	httpReq.Header.Set("X-DataSource-Auth", "true")
	if token.Value != "" {
		token.SetAuthHeader(httpReq)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &fdwerr.SourceUnavailableError{Backend: string(BackendGviz), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGvizBody))
	if err != nil {
		return nil, &fdwerr.SourceUnavailableError{Backend: string(BackendGviz), StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(BackendGviz, resp.StatusCode, nil)
	}
	// Private documents redirect anonymous or unauthorized callers to a
	// sign-in page.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return nil, &fdwerr.AuthError{StatusCode: resp.StatusCode, Description: "gviz answered with a sign-in page"}
	}

	rows, err := decodeGviz(body, len(req.fetchColumns()))
	if err != nil {
		return nil, err
	}

	page := &RowPage{Rows: rows}
	if len(rows) > req.PageSize {
		page.Rows = rows[:req.PageSize]
		page.Continuation = strconv.Itoa(offset + req.PageSize)
	}
	return page, nil
}

func (s *GvizSource) url(req PageRequest, offset int) (string, error) {
	u, err := url.Parse(s.baseURL + "/" + url.PathEscape(req.Table.SpreadsheetID) + "/gviz/tq")
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	q := url.Values{}
	q.Set("tqx", "out:json")
	q.Set("headers", strconv.Itoa(req.Table.headerRows()))
	q.Set("tq", gvizQuery(req, offset))
	switch {
	case req.Table.GID != "":
		q.Set("gid", req.Table.GID)
	case req.Table.Sheet != "":
		q.Set("sheet", req.Table.Sheet)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// gvizQuery renders e.g. "select B, D where C > 5 limit 101 offset 200".
// One extra row is requested to learn whether another page exists.
func gvizQuery(req PageRequest, offset int) string {
	cols := req.fetchColumns()
	letters := make([]string, len(cols))
	for i, c := range cols {
		letters[i] = columnIndexToLetter(c)
	}

	var b strings.Builder
	b.WriteString("select ")
	b.WriteString(strings.Join(letters, ", "))

	var where []string
	for _, p := range req.Predicates {
		if clause, ok := gvizClause(req.Schema, p); ok {
			where = append(where, clause)
		}
	}
	if len(where) > 0 {
		b.WriteString(" where ")
		b.WriteString(strings.Join(where, " and "))
	}
	fmt.Fprintf(&b, " limit %d", req.PageSize+1)
	if offset > 0 {
		fmt.Fprintf(&b, " offset %d", offset)
	}
	return b.String()
}

func gvizClause(schema TableSchema, p Predicate) (string, bool) {
	idx := schema.Index(p.Column)
	if idx < 0 {
		return "", false
	}
	col := columnIndexToLetter(idx)
	if p.Op.Unary() {
		return col + " " + string(p.Op), true
	}

	typ := schema.Columns[idx].Kind()
	switch p.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
	case OpContains, OpStartsWith:
		if typ != TypeText {
			return "", false
		}
	default:
		return "", false
	}
	lit, ok := gvizLiteral(typ, p.Value)
	if !ok {
		return "", false
	}
	return col + " " + string(p.Op) + " " + lit, true
}

// gvizLiteral renders v as a literal of the column type, or reports false
// when v does not fit it.
func gvizLiteral(typ ColumnType, v any) (string, bool) {
	switch typ {
	case TypeInt, TypeFloat:
		switch x := v.(type) {
		case int:
			return strconv.Itoa(x), true
		case int64:
			return strconv.FormatInt(x, 10), true
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), true
		}
	case TypeBool:
		if x, ok := v.(bool); ok {
			return strconv.FormatBool(x), true
		}
	case TypeText:
		if x, ok := v.(string); ok {
			switch {
			case !strings.Contains(x, `"`):
				return `"` + x + `"`, true
			case !strings.Contains(x, `'`):
				return `'` + x + `'`, true
			}
		}
	case TypeDate:
		if x, ok := v.(time.Time); ok {
			return "date '" + x.Format("2006-01-02") + "'", true
		}
	case TypeTimestamp:
		if x, ok := v.(time.Time); ok {
			return "datetime '" + x.Format("2006-01-02 15:04:05") + "'", true
		}
	}
	return "", false
}

type gvizResponse struct {
	Status string `json:"status"`
	Errors []struct {
		Reason          string `json:"reason"`
		Message         string `json:"message"`
		DetailedMessage string `json:"detailed_message"`
	} `json:"errors"`
	Table struct {
		Rows []struct {
			C []*struct {
				V any `json:"v"`
			} `json:"c"`
		} `json:"rows"`
	} `json:"table"`
}

// decodeGviz strips the response guard and returns table.rows[].c[].v,
// padded or cut to width cells per row.
func decodeGviz(body []byte, width int) ([][]any, error) {
	payload, err := stripGuard(body)
	if err != nil {
		return nil, err
	}
	var resp gvizResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, "decode gviz response")
	}
	if resp.Status == "error" {
		var msgs []string
		auth := false
		for _, e := range resp.Errors {
			msgs = append(msgs, strings.TrimSpace(e.Reason+": "+e.DetailedMessage))
			if e.Reason == "access_denied" || e.Reason == "user_not_authenticated" {
				auth = true
			}
		}
		if auth {
			return nil, &fdwerr.AuthError{Code: "access_denied", Description: strings.Join(msgs, "; ")}
		}
		return nil, errors.Errorf("gviz query rejected: %s", strings.Join(msgs, "; "))
	}

	rows := make([][]any, len(resp.Table.Rows))
	for i, r := range resp.Table.Rows {
		row := make([]any, width)
		for j := 0; j < width && j < len(r.C); j++ {
			if r.C[j] != nil {
				row[j] = r.C[j].V
			}
		}
		rows[i] = row
	}
	return rows, nil
}

func stripGuard(body []byte) ([]byte, error) {
	b := bytes.TrimSpace(body)
	if rest, ok := bytes.CutPrefix(b, []byte(")]}'")); ok {
		return rest, nil
	}
	// google.visualization.Query.setResponse({...});
	if i := bytes.Index(b, []byte("setResponse(")); i >= 0 {
		if j := bytes.LastIndexByte(b, ')'); j > i {
			return b[i+len("setResponse("):j], nil
		}
	}
	if len(b) > 0 && b[0] == '{' {
		return b, nil
	}
	return nil, errors.New("gviz response has no recognizable JSON payload")
}
