package quire

import (
	"context"
	"fmt"
	"sync"

	"github.com/elbader17/quirefdw/pkg/credentials"
)

type MockSheetsClient struct {
	BatchGetFunc func(ctx context.Context, spreadsheetID string, ranges []string, token credentials.AccessToken) ([][][]interface{}, error)
	RowCountFunc func(ctx context.Context, spreadsheetID, sheet string, token credentials.AccessToken) (int, error)

	mu            sync.Mutex
	BatchGetCalls []BatchGetCall
	RowCountCalls int
}

type BatchGetCall struct {
	SpreadsheetID string
	Ranges        []string
	Token         string
}

func (m *MockSheetsClient) BatchGet(ctx context.Context, spreadsheetID string, ranges []string, token credentials.AccessToken) ([][][]interface{}, error) {
	m.mu.Lock()
	m.BatchGetCalls = append(m.BatchGetCalls, BatchGetCall{SpreadsheetID: spreadsheetID, Ranges: ranges, Token: token.Value})
	m.mu.Unlock()
	if m.BatchGetFunc != nil {
		return m.BatchGetFunc(ctx, spreadsheetID, ranges, token)
	}
	return nil, fmt.Errorf("BatchGet not implemented")
}

func (m *MockSheetsClient) RowCount(ctx context.Context, spreadsheetID, sheet string, token credentials.AccessToken) (int, error) {
	m.mu.Lock()
	m.RowCountCalls++
	m.mu.Unlock()
	if m.RowCountFunc != nil {
		return m.RowCountFunc(ctx, spreadsheetID, sheet, token)
	}
	return 0, fmt.Errorf("RowCount not implemented")
}

func (m *MockSheetsClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchGetCalls = nil
	m.RowCountCalls = 0
}

// column builds a single-column value grid.
func column(values ...interface{}) [][]interface{} {
	grid := make([][]interface{}, len(values))
	for i, v := range values {
		if v == nil {
			grid[i] = []interface{}{}
			continue
		}
		grid[i] = []interface{}{v}
	}
	return grid
}
