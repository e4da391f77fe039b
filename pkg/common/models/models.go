package models

import "time"

// ImportKind classifies what an uploaded file contains. KindBoth is a
// detection outcome only; it must be resolved to a concrete kind before the
// bulk loader runs.
type ImportKind string

const (
	KindInventory ImportKind = "inventory"
	KindOrders    ImportKind = "orders"
	KindBoth      ImportKind = "both"
)

func (k ImportKind) Valid() bool {
	switch k {
	case KindInventory, KindOrders, KindBoth:
		return true
	}
	return false
}

// Concrete reports whether the kind can be handed to the worker.
func (k ImportKind) Concrete() bool {
	return k == KindInventory || k == KindOrders
}

// DiagnosticEntry is one structured diagnostic line emitted by the bulk
// loader on stderr.
type DiagnosticEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// ImportError is one entry in a batch's ordered error list.
type ImportError struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Event bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // import.confirmed, import.completed, import.failed, ...
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// ConfirmRequest is the payload accepted by the confirm endpoint. The kind
// field resolves a "both" detection to a concrete kind; columnMappings is the
// user-reviewed mapping that will be written to the sidecar file.
type ConfirmRequest struct {
	Kind           string          `json:"kind,omitempty"`
	ColumnMappings []ColumnMapping `json:"columnMappings"`
}

type ColumnMapping struct {
	SourceHeader  string `json:"sourceHeader"`
	TargetField   string `json:"targetField"`
	IsCustomField bool   `json:"isCustomField"`
}

type ConfirmResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateRequest registers an uploaded file as a pending batch. StoragePath is
// relative to the configured upload dir.
type CreateRequest struct {
	TenantID    string     `json:"tenant_id"`
	Filename    string     `json:"filename"`
	StoragePath string     `json:"storage_path"`
	Kind        ImportKind `json:"kind,omitempty"`
	RowCount    int        `json:"row_count,omitempty"`
}

// PreviewRequest asks the detection engine for a kind guess and a suggested
// mapping before the user confirms an upload.
type PreviewRequest struct {
	TenantID   string              `json:"tenant_id"`
	Headers    []string            `json:"headers"`
	SampleRows []map[string]string `json:"sampleRows,omitempty"`
}

type PreviewResponse struct {
	Kind           string          `json:"kind"`
	Confidence     float64         `json:"confidence"`
	MatchedHeaders []string        `json:"matchedHeaders"`
	Suggested      []ColumnMapping `json:"suggested"`
}
