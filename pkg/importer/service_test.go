package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stockpilot-ai/platform/pkg/common/models"
	"github.com/stockpilot-ai/platform/pkg/mapping"
	"github.com/stockpilot-ai/platform/pkg/postprocess"
	"github.com/stockpilot-ai/platform/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu            sync.Mutex
	batches       map[string]*ImportBatch
	active        *ImportBatch
	transitionErr map[Status]error
	forceErr      error

	transitions    []Status
	forced         []Status
	appendedErrors []models.ImportError
	merged         []PostProcessingRecord
	audits         []CorrectionAudit
	deleted        []string
	rolledBack     []string
}

func newFakeRepo(batches ...*ImportBatch) *fakeRepo {
	r := &fakeRepo{batches: map[string]*ImportBatch{}, transitionErr: map[Status]error{}}
	for _, b := range batches {
		r.batches[b.ID] = b
	}
	return r
}

func (r *fakeRepo) setStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[id].Status = status
}

func (r *fakeRepo) status(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[id].Status
}

func (r *fakeRepo) Create(ctx context.Context, batch *ImportBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[batch.ID] = batch
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id string) (*ImportBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *batch
	return &copied, nil
}

func (r *fakeRepo) ActiveForTenant(ctx context.Context, tenantID string) (*ImportBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNotFound
	}
	copied := *r.active
	return &copied, nil
}

func (r *fakeRepo) Transition(ctx context.Context, id string, next Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionErr[next]; err != nil {
		return err
	}
	batch, ok := r.batches[id]
	if !ok {
		return ErrNotFound
	}
	if !batch.Status.CanTransitionTo(next) {
		return InvalidStateError{Status: batch.Status, Operation: "transition"}
	}
	batch.Status = next
	r.transitions = append(r.transitions, next)
	return nil
}

func (r *fakeRepo) ForceStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forceErr != nil {
		return r.forceErr
	}
	r.batches[id].Status = status
	r.forced = append(r.forced, status)
	return nil
}

func (r *fakeRepo) AppendError(ctx context.Context, id string, entry models.ImportError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendedErrors = append(r.appendedErrors, entry)
	if batch, ok := r.batches[id]; ok {
		batch.ErrorCount++
	}
	return nil
}

func (r *fakeRepo) MergePostProcessing(ctx context.Context, id string, record PostProcessingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merged = append(r.merged, record)
	return nil
}

func (r *fakeRepo) RecordMappingCorrections(ctx context.Context, id string, audit []CorrectionAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, audit...)
	return nil
}

func (r *fakeRepo) DeletePending(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeRepo) Rollback(ctx context.Context, batch *ImportBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolledBack = append(r.rolledBack, batch.ID)
	r.batches[batch.ID].Status = StatusRolledBack
	return nil
}

type fakeLocks struct {
	mu           sync.Mutex
	acquired     bool
	acquireErr   error
	acquireCalls int
	releaseCalls int
	released     chan struct{}
}

func newFakeLocks(acquired bool) *fakeLocks {
	return &fakeLocks{acquired: acquired, released: make(chan struct{}, 8)}
}

func (l *fakeLocks) Acquire(ctx context.Context, tenantID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquireCalls++
	return l.acquired, l.acquireErr
}

func (l *fakeLocks) Release(ctx context.Context, tenantID string) {
	l.mu.Lock()
	l.releaseCalls++
	l.mu.Unlock()
	l.released <- struct{}{}
}

func (l *fakeLocks) releases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseCalls
}

// waitRelease blocks until the pipeline goroutine lets go of the tenant lock,
// which is the last thing it does.
func (l *fakeLocks) waitRelease(t *testing.T) {
	t.Helper()
	select {
	case <-l.released:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never released the tenant lock")
	}
}

type fakeWorker struct {
	mu     sync.Mutex
	result *supervisor.Result
	err    error
	onRun  func()
	jobs   []supervisor.Job
}

func (w *fakeWorker) Run(ctx context.Context, job supervisor.Job) (*supervisor.Result, error) {
	w.mu.Lock()
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()
	if w.onRun != nil {
		w.onRun()
	}
	return w.result, w.err
}

type fakeJobs struct {
	mu      sync.Mutex
	results []postprocess.JobResult
	calls   int
}

func (j *fakeJobs) RunAll(ctx context.Context, tenantID string) []postprocess.JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	return j.results
}

func (j *fakeJobs) runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

type fakeRecorder struct {
	mu       sync.Mutex
	recorded []mapping.Correction
	err      error
}

func (r *fakeRecorder) Record(ctx context.Context, corrections []mapping.Correction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.recorded = append(r.recorded, corrections...)
	return nil
}

type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *fakeEvents) PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
	return nil
}

func (e *fakeEvents) published() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}

type stubCorrections struct{}

func (stubCorrections) ForTenant(ctx context.Context, tenantID string) (map[string]string, error) {
	return nil, nil
}

type serviceFixture struct {
	service   *Service
	repo      *fakeRepo
	locks     *fakeLocks
	worker    *fakeWorker
	jobs      *fakeJobs
	recorder  *fakeRecorder
	events    *fakeEvents
	uploadDir string
}

func okResults() []postprocess.JobResult {
	return []postprocess.JobResult{
		{Name: "alert_generation", Success: true},
		{Name: "usage_recalculation", Success: true},
	}
}

func newFixture(t *testing.T, batches ...*ImportBatch) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:      newFakeRepo(batches...),
		locks:     newFakeLocks(true),
		worker:    &fakeWorker{result: &supervisor.Result{ExitCode: 0}},
		jobs:      &fakeJobs{results: okResults()},
		recorder:  &fakeRecorder{},
		events:    &fakeEvents{},
		uploadDir: t.TempDir(),
	}
	vocab := mapping.DefaultVocabulary()
	f.service = NewService(f.repo, f.locks, f.worker, f.jobs,
		mapping.NewDetector(vocab), mapping.NewSuggester(vocab, stubCorrections{}),
		f.recorder, f.events, f.uploadDir)
	return f
}

func pendingBatch(t *testing.T, f *serviceFixture) *ImportBatch {
	t.Helper()
	dataPath := filepath.Join(f.uploadDir, "upload.csv")
	require.NoError(t, os.WriteFile(dataPath, []byte("sku,qty\nA-1,5\n"), 0o600))
	batch := &ImportBatch{
		ID:          "batch-1",
		TenantID:    "tenant-1",
		Filename:    "upload.csv",
		StoragePath: "upload.csv",
		Kind:        models.KindInventory,
		Status:      StatusPending,
	}
	require.NoError(t, f.repo.Create(context.Background(), batch))
	return batch
}

func confirmReq() models.ConfirmRequest {
	return models.ConfirmRequest{ColumnMappings: []models.ColumnMapping{
		{SourceHeader: "SKU", TargetField: "sku"},
		{SourceHeader: "Qty", TargetField: "quantity"},
	}}
}

func sidecarFor(f *serviceFixture) string {
	return SidecarPath(filepath.Join(f.uploadDir, "upload.csv"))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), models.CreateRequest{TenantID: "tenant-1"})
	assert.True(t, IsValidationError(err))

	_, err = f.service.Create(context.Background(), models.CreateRequest{
		TenantID: "tenant-1", Filename: "a.csv", StoragePath: "a.csv", Kind: "spreadsheet",
	})
	assert.True(t, IsValidationError(err))
}

func TestCreateDefaultsKindToBoth(t *testing.T) {
	f := newFixture(t)

	batch, err := f.service.Create(context.Background(), models.CreateRequest{
		TenantID: "tenant-1", Filename: "a.csv", StoragePath: "a.csv", RowCount: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindBoth, batch.Kind)
	assert.Equal(t, StatusPending, batch.Status)
	assert.NotEmpty(t, batch.ID)
}

func TestPreview(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Preview(context.Background(), models.PreviewRequest{TenantID: "tenant-1"})
	assert.True(t, IsValidationError(err))

	resp, err := f.service.Preview(context.Background(), models.PreviewRequest{
		TenantID: "tenant-1",
		Headers:  []string{"SKU", "Qty", "Reorder Point", "Warehouse"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(models.KindInventory), resp.Kind)
	assert.NotEmpty(t, resp.Suggested)
}

func TestConfirmRejectsNonPending(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.setStatus(batch.ID, StatusProcessing)

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	assert.True(t, IsInvalidState(err))
	assert.Equal(t, 0, f.locks.acquireCalls)
}

func TestConfirmRequiresMappings(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)

	_, err := f.service.Confirm(context.Background(), batch.ID, models.ConfirmRequest{})
	assert.True(t, IsValidationError(err))
}

func TestConfirmRejectsUnresolvedKindBeforeLocking(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.setStatus(batch.ID, StatusPending)
	f.repo.batches[batch.ID].Kind = models.KindBoth

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	assert.True(t, IsValidationError(err))
	// Validation happens before the lock is ever touched.
	assert.Equal(t, 0, f.locks.acquireCalls)
}

func TestConfirmResolvesKindFromRequest(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.batches[batch.ID].Kind = models.KindBoth

	req := confirmReq()
	req.Kind = string(models.KindOrders)
	resp, err := f.service.Confirm(context.Background(), batch.ID, req)
	require.NoError(t, err)
	assert.Equal(t, string(StatusProcessing), resp.Status)

	f.locks.waitRelease(t)
	require.Len(t, f.worker.jobs, 1)
	assert.Equal(t, models.KindOrders, f.worker.jobs[0].Kind)
}

func TestConfirmLockContention(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.locks.acquired = false
	f.repo.active = &ImportBatch{Filename: "other-import.xlsx"}

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "other-import.xlsx")
	// Nothing to release when acquisition failed.
	assert.Equal(t, 0, f.locks.releases())
	assert.Equal(t, StatusPending, f.repo.status(batch.ID))
}

func TestConfirmReleasesLockWhenTransitionFails(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.transitionErr[StatusProcessing] = errors.New("db down")

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.Error(t, err)
	assert.Equal(t, 1, f.locks.releases())
}

func TestConfirmHappyPath(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)

	resp, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)
	assert.Equal(t, batch.ID, resp.ID)

	f.locks.waitRelease(t)
	assert.Equal(t, StatusCompleted, f.repo.status(batch.ID))
	assert.Equal(t, 1, f.jobs.runs())
	assert.Equal(t, 1, f.locks.releases())

	// Post-processing results land in metadata and the sidecar is gone.
	require.Len(t, f.repo.merged, 1)
	assert.True(t, f.repo.merged[0].WorkerClean)
	_, serr := os.Stat(sidecarFor(f))
	assert.True(t, os.IsNotExist(serr))

	events := f.events.published()
	assert.Contains(t, events, "import.confirmed")
	assert.Contains(t, events, "import.completed")
}

func TestPipelineWorkerSpawnFailure(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.worker.result = nil
	f.worker.err = supervisor.PreflightError{Reason: "no usable python interpreter"}

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)

	f.locks.waitRelease(t)
	assert.Equal(t, StatusFailed, f.repo.status(batch.ID))
	require.NotEmpty(t, f.repo.appendedErrors)
	assert.Equal(t, "worker could not be started", f.repo.appendedErrors[0].Message)
	assert.Equal(t, 0, f.jobs.runs())
	assert.Equal(t, 1, f.locks.releases())

	// A worker that never ran leaves nothing to inspect.
	_, serr := os.Stat(sidecarFor(f))
	assert.True(t, os.IsNotExist(serr))
}

func TestPipelineWorkerTimeoutKeepsSidecar(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.worker.result = &supervisor.Result{ExitCode: -1, TimedOut: true, Stderr: "killed after deadline"}

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)

	f.locks.waitRelease(t)
	assert.Equal(t, StatusFailed, f.repo.status(batch.ID))
	require.NotEmpty(t, f.repo.appendedErrors)
	assert.Contains(t, f.repo.appendedErrors[0].Message, "time ceiling")
	assert.Equal(t, "killed after deadline", f.repo.appendedErrors[0].Details)
	assert.Equal(t, 0, f.jobs.runs())

	// The sidecar stays on disk as diagnostic evidence.
	_, serr := os.Stat(sidecarFor(f))
	assert.NoError(t, serr)
}

func TestPipelineWorkerExitFailure(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.worker.result = &supervisor.Result{ExitCode: 1, Stderr: "Traceback"}

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)

	f.locks.waitRelease(t)
	assert.Equal(t, StatusFailed, f.repo.status(batch.ID))
	assert.Contains(t, f.repo.appendedErrors[0].Message, "exited with code 1")
	assert.Equal(t, 0, f.jobs.runs())
}

func TestPipelineWorkerSelfReportSkipsPostProcessing(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	// The loader wrote failed directly before exiting zero.
	f.worker.onRun = func() { f.repo.ForceStatus(context.Background(), batch.ID, StatusFailed) }

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)

	f.locks.waitRelease(t)
	assert.Equal(t, StatusFailed, f.repo.status(batch.ID))
	assert.Equal(t, 0, f.jobs.runs())
	assert.Contains(t, f.events.published(), "import.failed")

	_, serr := os.Stat(sidecarFor(f))
	assert.NoError(t, serr, "sidecar kept for diagnostics")
}

func TestPipelinePartialSuccessCompletesWithErrors(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.worker.result = &supervisor.Result{ExitCode: 3, PartialSuccess: true}

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)

	f.locks.waitRelease(t)
	assert.Equal(t, StatusCompletedWithErrors, f.repo.status(batch.ID))
	assert.Equal(t, 1, f.jobs.runs())
	require.Len(t, f.repo.merged, 1)
	assert.False(t, f.repo.merged[0].WorkerClean)
}

func TestPipelineJobFailureCompletesWithErrors(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.jobs.results = []postprocess.JobResult{
		{Name: "alert_generation", Success: true},
		{Name: "usage_recalculation", Success: false, Error: "timed out after 90s"},
	}

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)

	f.locks.waitRelease(t)
	assert.Equal(t, StatusCompletedWithErrors, f.repo.status(batch.ID))
	assert.Contains(t, f.events.published(), "import."+string(StatusCompletedWithErrors))
}

func TestPipelineRecordedErrorsTaintWorkerClean(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.batches[batch.ID].ErrorCount = 2

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)

	f.locks.waitRelease(t)
	assert.Equal(t, StatusCompletedWithErrors, f.repo.status(batch.ID))
	require.Len(t, f.repo.merged, 1)
	assert.False(t, f.repo.merged[0].WorkerClean)
}

func TestPipelineFinalizationFailureForcesTerminalState(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.transitionErr[StatusCompleted] = errors.New("write conflict")

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)

	f.locks.waitRelease(t)
	// The guarded write keeps the batch out of post_processing forever.
	assert.Equal(t, []Status{StatusCompletedWithErrors}, f.repo.forced)
	assert.Equal(t, StatusCompletedWithErrors, f.repo.status(batch.ID))
	assert.Equal(t, 1, f.locks.releases())
}

func TestConfirmRecordsMappingCorrections(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)

	req := models.ConfirmRequest{ColumnMappings: []models.ColumnMapping{
		{SourceHeader: "SKU", TargetField: "sku"},
		// Deviates from the suggested "quantity".
		{SourceHeader: "Qty", TargetField: "quantityPacks"},
	}}
	_, err := f.service.Confirm(context.Background(), batch.ID, req)
	require.NoError(t, err)
	f.locks.waitRelease(t)

	require.Len(t, f.repo.audits, 1)
	assert.Equal(t, "Qty", f.repo.audits[0].Header)
	assert.Equal(t, "quantity", f.repo.audits[0].SuggestedField)
	assert.Equal(t, "quantityPacks", f.repo.audits[0].ConfirmedField)

	require.Len(t, f.recorder.recorded, 1)
	assert.Equal(t, "tenant-1", f.recorder.recorded[0].TenantID)
	assert.Equal(t, "quantityPacks", f.recorder.recorded[0].ConfirmedField)
}

func TestConfirmSkipsCorrectionsWhenMappingMatches(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)

	_, err := f.service.Confirm(context.Background(), batch.ID, confirmReq())
	require.NoError(t, err)
	f.locks.waitRelease(t)

	assert.Empty(t, f.repo.audits)
	assert.Empty(t, f.recorder.recorded)
}

func TestRetryPostProcessing(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.setStatus(batch.ID, StatusCompletedWithErrors)

	updated, err := f.service.RetryPostProcessing(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)
	assert.Equal(t, 1, f.jobs.runs())
	assert.Equal(t, 1, f.locks.acquireCalls)
	assert.Equal(t, 1, f.locks.releases())
	require.Len(t, f.repo.merged, 1)
}

func TestRetryPostProcessingRejectsNonTerminal(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.setStatus(batch.ID, StatusFailed)

	_, err := f.service.RetryPostProcessing(context.Background(), batch.ID)
	assert.True(t, IsInvalidState(err))
	assert.Equal(t, 0, f.jobs.runs())
}

func TestRetryPostProcessingContention(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.setStatus(batch.ID, StatusCompleted)
	f.locks.acquired = false

	_, err := f.service.RetryPostProcessing(context.Background(), batch.ID)
	assert.True(t, IsConflict(err))
	assert.Equal(t, 0, f.jobs.runs())
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)

	updated, err := f.service.Rollback(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, updated.Status)
	assert.Equal(t, []string{batch.ID}, f.repo.rolledBack)
	assert.Contains(t, f.events.published(), "import.rolled_back")
}

func TestRollbackRejectsInFlightBatch(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)
	f.repo.setStatus(batch.ID, StatusProcessing)

	_, err := f.service.Rollback(context.Background(), batch.ID)
	assert.True(t, IsInvalidState(err))
	assert.Empty(t, f.repo.rolledBack)
}

func TestStatusNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Status(context.Background(), "no-such-batch")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDelegates(t *testing.T) {
	f := newFixture(t)
	batch := pendingBatch(t, f)

	require.NoError(t, f.service.Delete(context.Background(), batch.ID))
	assert.Equal(t, []string{batch.ID}, f.repo.deleted)
}
