package quire

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/elbader17/quirefdw/pkg/credentials"
	"github.com/elbader17/quirefdw/pkg/fdwerr"
	"github.com/elbader17/quirefdw/pkg/telemetry"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		cfg           Config
		wantBackend   Backend
		wantErr       bool
		expectedError string
	}{
		{
			name:        "default is gviz",
			cfg:         Config{},
			wantBackend: BackendGviz,
		},
		{
			name:        "values",
			cfg:         Config{Backend: BackendValues, SheetsEndpoint: "http://127.0.0.1:1/"},
			wantBackend: BackendValues,
		},
		{
			name:          "unknown backend",
			cfg:           Config{Backend: "csv"},
			wantErr:       true,
			expectedError: `unknown backend "csv"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := New(ctx, tt.cfg)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if err.Error() != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if src.Backend() != tt.wantBackend {
				t.Errorf("backend = %q, want %q", src.Backend(), tt.wantBackend)
			}
		})
	}
}

func TestParseBackend(t *testing.T) {
	for in, want := range map[string]Backend{"": BackendGviz, "gviz": BackendGviz, "values": BackendValues} {
		got, err := ParseBackend(in)
		if err != nil || got != want {
			t.Errorf("ParseBackend(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseBackend("api"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status   int
		wantAuth bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		err := statusError(BackendValues, tt.status, nil)
		if fdwerr.IsAuth(err) != tt.wantAuth {
			t.Errorf("status %d: IsAuth = %v, want %v", tt.status, !tt.wantAuth, tt.wantAuth)
		}
		if fdwerr.IsRetryable(err) == tt.wantAuth {
			t.Errorf("status %d: IsRetryable = %v", tt.status, tt.wantAuth)
		}
	}
}

func TestPager_MetricsAndRateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	calls := 0
	mock := &MockSheetsClient{
		BatchGetFunc: func(ctx context.Context, spreadsheetID string, ranges []string, token credentials.AccessToken) ([][][]interface{}, error) {
			calls++
			if calls == 2 {
				return nil, &fdwerr.SourceUnavailableError{Backend: "values", StatusCode: 500}
			}
			return [][][]interface{}{column(1.0)}, nil
		},
	}
	src := NewValuesSource(mock, Config{Metrics: m, RateLimit: 1000})
	req := PageRequest{Table: TableRef{SpreadsheetID: "s", Sheet: "Users"}, Schema: usersSchema}

	for i := 0; i < 3; i++ {
		_, _ = src.FetchPage(context.Background(), req, credentials.AccessToken{})
	}

	if got := testutil.ToFloat64(m.PageFetches.WithLabelValues("values", "ok")); got != 2 {
		t.Errorf("ok fetches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PageFetches.WithLabelValues("values", "error")); got != 1 {
		t.Errorf("failed fetches = %v, want 1", got)
	}
}

func TestPager_RateLimitHonorsContext(t *testing.T) {
	src := NewValuesSource(&MockSheetsClient{
		BatchGetFunc: func(ctx context.Context, spreadsheetID string, ranges []string, token credentials.AccessToken) ([][][]interface{}, error) {
			return nil, nil
		},
	}, Config{RateLimit: 0.001})
	req := PageRequest{Table: TableRef{SpreadsheetID: "s", Sheet: "Users"}, Schema: usersSchema}

	// the first request spends the only token
	if _, err := src.FetchPage(context.Background(), req, credentials.AccessToken{}); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := src.FetchPage(ctx, req, credentials.AccessToken{})
	var su *fdwerr.SourceUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected SourceUnavailableError, got %v", err)
	}
}
