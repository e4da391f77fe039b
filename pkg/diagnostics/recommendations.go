package diagnostics

import (
	"fmt"
	"strings"

	"github.com/stockpilot-ai/platform/pkg/common/models"
)

// Reconciliation mirrors the importer's row-accounting record without
// importing it; only the counters matter here.
type Reconciliation struct {
	RowsSeen    int
	RowsDropped int
	DropReasons map[string]int
}

// Recommend derives triage hints from error text and reconciliation counters.
// Advisory only, never authoritative.
func Recommend(importErrors []models.ImportError, diags []models.DiagnosticEntry, rec *Reconciliation) []string {
	var out []string

	text := collectText(importErrors, diags)

	if strings.Contains(text, "date") && (strings.Contains(text, "format") || strings.Contains(text, "parse")) {
		out = append(out, "Date values failed to parse; check that date columns use a consistent format (YYYY-MM-DD recommended).")
	}
	if strings.Contains(text, "duplicate") {
		out = append(out, "Duplicate keys were reported; the file may contain repeated SKUs or order numbers.")
	}
	if strings.Contains(text, "encoding") || strings.Contains(text, "utf") {
		out = append(out, "Character-encoding issues detected; re-export the file as UTF-8.")
	}
	if strings.Contains(text, "timed out") {
		out = append(out, "The load exceeded its time ceiling; consider splitting the file into smaller uploads.")
	}

	if rec != nil && rec.RowsSeen > 0 {
		dropRate := float64(rec.RowsDropped) / float64(rec.RowsSeen)
		if dropRate > 0.25 {
			out = append(out, fmt.Sprintf(
				"%.0f%% of rows were dropped; review the column mapping before retrying.", dropRate*100))
		}
		for reason, count := range rec.DropReasons {
			if count > rec.RowsSeen/10 {
				out = append(out, fmt.Sprintf("Frequent drop reason %q affected %d rows.", reason, count))
			}
		}
	}

	return out
}

func collectText(importErrors []models.ImportError, diags []models.DiagnosticEntry) string {
	var b strings.Builder
	for _, e := range importErrors {
		b.WriteString(strings.ToLower(e.Message))
		b.WriteString(" ")
		b.WriteString(strings.ToLower(e.Details))
		b.WriteString(" ")
	}
	for _, d := range diags {
		b.WriteString(strings.ToLower(d.Message))
		b.WriteString(" ")
	}
	return b.String()
}
