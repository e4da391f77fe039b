package diagnostics

import (
	"testing"

	"github.com/stockpilot-ai/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecommendDateFormat(t *testing.T) {
	recs := Recommend([]models.ImportError{
		{Message: "row 12 rejected", Details: "could not parse date '13/45/2026'"},
	}, nil, nil)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], "YYYY-MM-DD")
}

func TestRecommendFromDiagnostics(t *testing.T) {
	recs := Recommend(nil, []models.DiagnosticEntry{
		{Level: "warning", Message: "duplicate SKU A-1 skipped"},
		{Level: "warning", Message: "invalid UTF encoding in row 40"},
	}, nil)
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0], "Duplicate")
	assert.Contains(t, recs[1], "UTF-8")
}

func TestRecommendTimeout(t *testing.T) {
	recs := Recommend([]models.ImportError{
		{Message: "worker timed out after 30m"},
	}, nil, nil)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], "splitting the file")
}

func TestRecommendHighDropRate(t *testing.T) {
	recs := Recommend(nil, nil, &Reconciliation{
		RowsSeen:    100,
		RowsDropped: 40,
		DropReasons: map[string]int{"missing sku": 35},
	})
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0], "40%")
	assert.Contains(t, recs[1], "missing sku")
}

func TestRecommendIgnoresRareDropReasons(t *testing.T) {
	recs := Recommend(nil, nil, &Reconciliation{
		RowsSeen:    1000,
		RowsDropped: 5,
		DropReasons: map[string]int{"blank row": 5},
	})
	assert.Empty(t, recs)
}

func TestRecommendCleanImport(t *testing.T) {
	assert.Empty(t, Recommend(nil, nil, nil))
}
