package importer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/stockpilot-ai/platform/pkg/common/logger"
	"github.com/stockpilot-ai/platform/pkg/common/models"
	"github.com/stockpilot-ai/platform/pkg/mapping"
	"github.com/stockpilot-ai/platform/pkg/postprocess"
	"github.com/stockpilot-ai/platform/pkg/supervisor"
)

// BatchStore is the slice of the repository the service needs; tests
// substitute a fake.
type BatchStore interface {
	Create(ctx context.Context, batch *ImportBatch) error
	Get(ctx context.Context, id string) (*ImportBatch, error)
	ActiveForTenant(ctx context.Context, tenantID string) (*ImportBatch, error)
	Transition(ctx context.Context, id string, next Status) error
	ForceStatus(ctx context.Context, id string, status Status) error
	AppendError(ctx context.Context, id string, entry models.ImportError) error
	MergePostProcessing(ctx context.Context, id string, record PostProcessingRecord) error
	RecordMappingCorrections(ctx context.Context, id string, audit []CorrectionAudit) error
	DeletePending(ctx context.Context, id string) error
	Rollback(ctx context.Context, batch *ImportBatch) error
}

// LockManager serializes imports per tenant. Acquire never blocks; Release
// never fails from the caller's point of view.
type LockManager interface {
	Acquire(ctx context.Context, tenantID string) (bool, error)
	Release(ctx context.Context, tenantID string)
}

// WorkerRunner supervises one bulk-loader process to completion.
type WorkerRunner interface {
	Run(ctx context.Context, job supervisor.Job) (*supervisor.Result, error)
}

// JobRunner fans out the recomputation jobs and collects every result.
type JobRunner interface {
	RunAll(ctx context.Context, tenantID string) []postprocess.JobResult
}

// CorrectionRecorder persists confirmed mapping corrections for future
// suggestions. Failures never block confirmation.
type CorrectionRecorder interface {
	Record(ctx context.Context, corrections []mapping.Correction) error
}

// EventPublisher publishes lifecycle events; nil disables publishing.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type Service struct {
	repo        BatchStore
	locks       LockManager
	worker      WorkerRunner
	jobs        JobRunner
	detector    *mapping.Detector
	suggester   *mapping.Suggester
	corrections CorrectionRecorder
	events      EventPublisher
	uploadDir   string
}

func NewService(repo BatchStore, locks LockManager, worker WorkerRunner, jobs JobRunner,
	detector *mapping.Detector, suggester *mapping.Suggester, corrections CorrectionRecorder,
	events EventPublisher, uploadDir string) *Service {
	return &Service{
		repo:        repo,
		locks:       locks,
		worker:      worker,
		jobs:        jobs,
		detector:    detector,
		suggester:   suggester,
		corrections: corrections,
		events:      events,
		uploadDir:   uploadDir,
	}
}

// Create registers an uploaded file as a pending batch.
func (s *Service) Create(ctx context.Context, req models.CreateRequest) (*ImportBatch, error) {
	if req.TenantID == "" || req.Filename == "" || req.StoragePath == "" {
		return nil, ValidationError{reason: errors.New("tenant_id, filename and storage_path are required")}
	}
	kind := req.Kind
	if kind == "" {
		kind = models.KindBoth
	}
	if !kind.Valid() {
		return nil, ValidationError{reason: fmt.Errorf("unknown import kind %q", req.Kind)}
	}

	batch := &ImportBatch{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		Filename:    req.Filename,
		StoragePath: req.StoragePath,
		Kind:        kind,
		Status:      StatusPending,
		RowCount:    req.RowCount,
	}
	if err := s.repo.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("persisting import batch: %w", err)
	}
	return batch, nil
}

// Preview runs detection and mapping suggestion for an upload the user has
// not yet confirmed.
func (s *Service) Preview(ctx context.Context, req models.PreviewRequest) (*models.PreviewResponse, error) {
	if len(req.Headers) == 0 {
		return nil, ValidationError{reason: errors.New("headers are required")}
	}

	detection := s.detector.Detect(req.Headers)
	suggested := s.suggester.SuggestMapping(ctx, req.Headers, detection.Kind, req.TenantID, req.SampleRows)

	return &models.PreviewResponse{
		Kind:           string(detection.Kind),
		Confidence:     detection.Confidence,
		MatchedHeaders: detection.MatchedHeaders,
		Suggested:      suggested,
	}, nil
}

// Confirm starts the import pipeline: resolve the kind, acquire the tenant
// lock, persist mapping corrections, then hand off to the background pipeline
// and return immediately. Lock contention surfaces synchronously; every other
// failure is recorded on the batch and observed via polling.
func (s *Service) Confirm(ctx context.Context, batchID string, req models.ConfirmRequest) (*models.ConfirmResponse, error) {
	batch, err := s.repo.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != StatusPending {
		return nil, InvalidStateError{Status: batch.Status, Operation: "confirm"}
	}
	if len(req.ColumnMappings) == 0 {
		return nil, ValidationError{reason: errors.New("columnMappings are required")}
	}

	kind := batch.Kind
	if req.Kind != "" {
		kind = models.ImportKind(req.Kind)
	}
	if !kind.Concrete() {
		return nil, ValidationError{reason: fmt.Errorf(
			"import kind %q must be resolved to inventory or orders before confirming", kind)}
	}

	acquired, err := s.locks.Acquire(ctx, batch.TenantID)
	if err != nil {
		return nil, fmt.Errorf("acquiring import lock: %w", err)
	}
	if !acquired {
		conflict := ConflictError{}
		if active, aerr := s.repo.ActiveForTenant(ctx, batch.TenantID); aerr == nil {
			conflict.BlockingFilename = active.Filename
		}
		return nil, conflict
	}

	// Lock held: release exactly once on every path from here on. The only
	// success path hands ownership to the background pipeline.
	if err := s.repo.Transition(ctx, batchID, StatusProcessing); err != nil {
		s.locks.Release(ctx, batch.TenantID)
		return nil, err
	}

	s.persistCorrections(ctx, batch, kind, req.ColumnMappings)
	s.publish(ctx, "import.confirmed", batch, map[string]interface{}{"kind": string(kind)})

	go s.runPipeline(context.Background(), batch, kind, req.ColumnMappings)

	return &models.ConfirmResponse{
		ID:        batch.ID,
		Status:    string(StatusProcessing),
		Timestamp: time.Now().UTC(),
	}, nil
}

// persistCorrections diffs the confirmed mapping against the engine's
// suggestion and records deviations both as an audit trail on the batch and
// as reusable corrections for the tenant. Best effort by contract.
func (s *Service) persistCorrections(ctx context.Context, batch *ImportBatch, kind models.ImportKind, confirmed []models.ColumnMapping) {
	headers := make([]string, 0, len(confirmed))
	for _, m := range confirmed {
		headers = append(headers, m.SourceHeader)
	}
	suggested := s.suggester.SuggestMapping(ctx, headers, kind, batch.TenantID, nil)

	suggestedByHeader := make(map[string]string, len(suggested))
	for _, m := range suggested {
		suggestedByHeader[m.SourceHeader] = m.TargetField
	}

	var audit []CorrectionAudit
	var corrections []mapping.Correction
	for _, m := range confirmed {
		suggestedField, ok := suggestedByHeader[m.SourceHeader]
		if !ok || suggestedField == m.TargetField {
			continue
		}
		audit = append(audit, CorrectionAudit{
			Header:         m.SourceHeader,
			SuggestedField: suggestedField,
			ConfirmedField: m.TargetField,
		})
		corrections = append(corrections, mapping.Correction{
			TenantID:       batch.TenantID,
			SourceHeader:   m.SourceHeader,
			SuggestedField: suggestedField,
			ConfirmedField: m.TargetField,
		})
	}
	if len(audit) == 0 {
		return
	}

	if err := s.repo.RecordMappingCorrections(ctx, batch.ID, audit); err != nil {
		logger.Log.WithError(err).WithField("batch_id", batch.ID).Warn("failed to record correction audit")
	}
	if s.corrections != nil {
		if err := s.corrections.Record(ctx, corrections); err != nil {
			logger.Log.WithError(err).WithField("tenant_id", batch.TenantID).Warn("failed to persist mapping corrections")
		}
	}
}

// runPipeline owns the batch from worker spawn through finalization. The
// tenant lock is released exactly once no matter which exit path runs.
func (s *Service) runPipeline(ctx context.Context, batch *ImportBatch, kind models.ImportKind, mappings []models.ColumnMapping) {
	defer s.locks.Release(ctx, batch.TenantID)

	dataPath := filepath.Join(s.uploadDir, batch.StoragePath)
	sidecarPath, err := WriteSidecar(dataPath, batch, kind, mappings)
	if err != nil {
		s.failBatch(ctx, batch, "failed to write mapping sidecar", err.Error())
		return
	}

	result, err := s.worker.Run(ctx, supervisor.Job{
		BatchID:     batch.ID,
		TenantID:    batch.TenantID,
		Kind:        kind,
		DataPath:    dataPath,
		SidecarPath: sidecarPath,
	})
	if err != nil {
		// Preflight or spawn failure: no process ever ran.
		s.failBatch(ctx, batch, "worker could not be started", err.Error())
		RemoveSidecar(sidecarPath)
		return
	}

	// The worker may write a failed status directly; its self-report takes
	// precedence over exit-code inference and skips post-processing. The
	// sidecar stays for diagnostic inspection.
	reloaded, gerr := s.repo.Get(ctx, batch.ID)
	if gerr == nil && reloaded.Status == StatusFailed {
		logger.Log.WithField("batch_id", batch.ID).Warn("worker self-reported failure, skipping post-processing")
		s.publish(ctx, "import.failed", batch, nil)
		return
	}

	if result.TimedOut {
		s.failBatch(ctx, batch, "worker exceeded the import time ceiling and was terminated", result.Stderr)
		return
	}
	if !result.Succeeded() {
		s.failBatch(ctx, batch,
			fmt.Sprintf("worker exited with code %d", result.ExitCode), result.Stderr)
		return
	}

	if err := s.repo.Transition(ctx, batch.ID, StatusPostProcessing); err != nil {
		s.failBatch(ctx, batch, "failed to enter post-processing", err.Error())
		return
	}

	workerClean := result.ExitCode == 0 && !result.PartialSuccess
	if gerr == nil && reloaded.ErrorCount > 0 {
		workerClean = false
	}

	final := s.finishPostProcessing(ctx, batch, workerClean)
	// The sidecar outlives the worker on purpose: deleted only once
	// post-processing has resolved.
	RemoveSidecar(sidecarPath)

	s.publish(ctx, "import."+string(final), batch, nil)
}

// finishPostProcessing fans out the recomputation jobs, merges their results
// into metadata, and finalizes the batch. The finalization write is guarded:
// a batch can never remain in post_processing.
func (s *Service) finishPostProcessing(ctx context.Context, batch *ImportBatch, workerClean bool) Status {
	results := s.jobs.RunAll(ctx, batch.TenantID)

	record := PostProcessingRecord{
		RanAt:       time.Now().UTC(),
		WorkerClean: workerClean,
		Results:     results,
	}
	if err := s.repo.MergePostProcessing(ctx, batch.ID, record); err != nil {
		logger.Log.WithError(err).WithField("batch_id", batch.ID).Warn("failed to persist post-processing results")
	}

	final := StatusCompletedWithErrors
	if workerClean && postprocess.AllSucceeded(results) {
		final = StatusCompleted
	}

	if err := s.repo.Transition(ctx, batch.ID, final); err != nil {
		logger.Log.WithError(err).WithField("batch_id", batch.ID).Error("finalization write failed, forcing completed_with_errors")
		final = StatusCompletedWithErrors
		if ferr := s.repo.ForceStatus(ctx, batch.ID, final); ferr != nil {
			logger.Log.WithError(ferr).WithField("batch_id", batch.ID).Error(
				"forced finalization also failed; batch may be stuck in post_processing")
		}
	}
	return final
}

func (s *Service) failBatch(ctx context.Context, batch *ImportBatch, message, details string) {
	if err := s.repo.AppendError(ctx, batch.ID, models.ImportError{Message: message, Details: details}); err != nil {
		logger.Log.WithError(err).WithField("batch_id", batch.ID).Warn("failed to record batch error")
	}
	if err := s.repo.Transition(ctx, batch.ID, StatusFailed); err != nil {
		logger.Log.WithError(err).WithField("batch_id", batch.ID).Error("failed to mark batch failed")
	}
	logger.Log.WithFields(map[string]interface{}{
		"batch_id": batch.ID,
		"reason":   message,
	}).Error("import failed")
	s.publish(ctx, "import.failed", batch, map[string]interface{}{"reason": message})
}

// RetryPostProcessing re-runs the fan-out for a batch already in a terminal
// completed state, merging new results into metadata. Retries take the same
// per-tenant lock as the initial run.
func (s *Service) RetryPostProcessing(ctx context.Context, batchID string) (*ImportBatch, error) {
	batch, err := s.repo.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != StatusCompleted && batch.Status != StatusCompletedWithErrors {
		return nil, InvalidStateError{Status: batch.Status, Operation: "retry post-processing"}
	}

	acquired, err := s.locks.Acquire(ctx, batch.TenantID)
	if err != nil {
		return nil, fmt.Errorf("acquiring import lock: %w", err)
	}
	if !acquired {
		return nil, ConflictError{}
	}
	defer s.locks.Release(ctx, batch.TenantID)

	workerClean := batch.ErrorCount == 0
	if pp := batch.DecodedMetadata().PostProcessing; pp != nil {
		workerClean = pp.WorkerClean
	}

	s.finishPostProcessing(ctx, batch, workerClean)
	return s.repo.Get(ctx, batchID)
}

// Rollback compensates a pending or completed batch: deletes its transactions
// and orphaned items, then marks it rolled back.
func (s *Service) Rollback(ctx context.Context, batchID string) (*ImportBatch, error) {
	batch, err := s.repo.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Status.CanTransitionTo(StatusRolledBack) {
		return nil, InvalidStateError{Status: batch.Status, Operation: "rollback"}
	}

	if err := s.repo.Rollback(ctx, batch); err != nil {
		return nil, err
	}
	s.publish(ctx, "import.rolled_back", batch, nil)
	return s.repo.Get(ctx, batchID)
}

// Delete removes a batch that never started; any other state is rejected.
func (s *Service) Delete(ctx context.Context, batchID string) error {
	return s.repo.DeletePending(ctx, batchID)
}

func (s *Service) Status(ctx context.Context, batchID string) (*ImportBatch, error) {
	return s.repo.Get(ctx, batchID)
}

func (s *Service) publish(ctx context.Context, eventType string, batch *ImportBatch, extra map[string]interface{}) {
	if s.events == nil {
		return
	}
	data := map[string]interface{}{
		"batch_id":  batch.ID,
		"tenant_id": batch.TenantID,
		"filename":  batch.Filename,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.events.PublishEvent(ctx, eventType, "import-service", data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("failed to publish import event")
	}
}
