package importer

import (
	"encoding/json"
	"time"

	"github.com/stockpilot-ai/platform/pkg/common/models"
	"github.com/stockpilot-ai/platform/pkg/postprocess"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusProcessing          Status = "processing"
	StatusPostProcessing      Status = "post_processing"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusRolledBack          Status = "rolled_back"
)

// transitions is the single source of truth for the batch lifecycle. No state
// is re-entered once left; the completed pair flips between itself only via
// the post-processing retry path.
var transitions = map[Status][]Status{
	StatusPending:             {StatusProcessing, StatusRolledBack},
	StatusProcessing:          {StatusPostProcessing, StatusFailed},
	StatusPostProcessing:      {StatusCompleted, StatusCompletedWithErrors, StatusFailed},
	StatusCompleted:           {StatusCompleted, StatusCompletedWithErrors, StatusRolledBack},
	StatusCompletedWithErrors: {StatusCompleted, StatusCompletedWithErrors, StatusRolledBack},
	StatusFailed:              {},
	StatusRolledBack:          {},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

const metadataVersion = 1

// Metadata is the structured per-concern sub-record document stored on the
// batch, replacing a freeform blob so merges touch one concern at a time.
type Metadata struct {
	Version            int                   `json:"version"`
	MappingCorrections []CorrectionAudit     `json:"mapping_corrections,omitempty"`
	PostProcessing     *PostProcessingRecord `json:"post_processing,omitempty"`
	Reconciliation     *Reconciliation       `json:"reconciliation,omitempty"`
}

type CorrectionAudit struct {
	Header         string `json:"header"`
	SuggestedField string `json:"suggestedField"`
	ConfirmedField string `json:"confirmedField"`
}

type PostProcessingRecord struct {
	RanAt       time.Time               `json:"ran_at"`
	WorkerClean bool                    `json:"worker_clean"`
	Results     []postprocess.JobResult `json:"results"`
}

// Reconciliation is the post-hoc row accounting the worker reports.
type Reconciliation struct {
	RowsSeen     int            `json:"rows_seen"`
	RowsCleaned  int            `json:"rows_cleaned"`
	RowsInserted int            `json:"rows_inserted"`
	RowsUpdated  int            `json:"rows_updated"`
	RowsDropped  int            `json:"rows_dropped"`
	DropReasons  map[string]int `json:"drop_reasons,omitempty"`
}

type ImportBatch struct {
	ID       string `json:"id" gorm:"primaryKey;column:id"`
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;index:idx_import_batches_tenant"`
	Filename string `json:"filename" gorm:"column:filename"`
	// StoragePath is relative to the upload dir, so API responses never
	// disclose server paths.
	StoragePath string            `json:"storage_path" gorm:"column:storage_path"`
	Kind        models.ImportKind `json:"kind" gorm:"column:kind"`
	Status      Status            `json:"status" gorm:"column:status"`

	RowCount       int `json:"row_count" gorm:"column:row_count"`
	ProcessedCount int `json:"processed_count" gorm:"column:processed_count"`
	ErrorCount     int `json:"error_count" gorm:"column:error_count"`

	Errors         datatypes.JSON `json:"errors,omitempty" gorm:"column:errors"`
	DiagnosticLogs datatypes.JSON `json:"diagnostic_logs,omitempty" gorm:"column:diagnostic_logs"`
	Metadata       datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata"`

	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" gorm:"column:started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
}

func (ImportBatch) TableName() string {
	return "import_batches"
}

// Duration is completed − started; zero until the batch finishes. A nil
// StartedAt means the batch never left pending.
func (b *ImportBatch) Duration() time.Duration {
	if b.StartedAt == nil || b.CompletedAt == nil {
		return 0
	}
	return b.CompletedAt.Sub(*b.StartedAt)
}

func (b *ImportBatch) DecodedErrors() []models.ImportError {
	var out []models.ImportError
	if len(b.Errors) > 0 {
		_ = json.Unmarshal(b.Errors, &out)
	}
	return out
}

func (b *ImportBatch) DecodedDiagnostics() []models.DiagnosticEntry {
	var out []models.DiagnosticEntry
	if len(b.DiagnosticLogs) > 0 {
		_ = json.Unmarshal(b.DiagnosticLogs, &out)
	}
	return out
}

func (b *ImportBatch) DecodedMetadata() Metadata {
	meta := Metadata{Version: metadataVersion}
	if len(b.Metadata) > 0 {
		_ = json.Unmarshal(b.Metadata, &meta)
	}
	if meta.Version == 0 {
		meta.Version = metadataVersion
	}
	return meta
}
