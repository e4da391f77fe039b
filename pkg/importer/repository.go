package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stockpilot-ai/platform/pkg/common/models"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ImportBatch{})
}

func (r *Repository) Create(ctx context.Context, batch *ImportBatch) error {
	batch.CreatedAt = time.Now().UTC()
	if batch.Status == "" {
		batch.Status = StatusPending
	}
	return r.db.WithContext(ctx).Create(batch).Error
}

func (r *Repository) Get(ctx context.Context, id string) (*ImportBatch, error) {
	var batch ImportBatch
	result := r.db.WithContext(ctx).First(&batch, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &batch, result.Error
}

// ActiveForTenant returns the batch currently holding the tenant's pipeline,
// if any. Used to name the blocking import on lock contention.
func (r *Repository) ActiveForTenant(ctx context.Context, tenantID string) (*ImportBatch, error) {
	var batch ImportBatch
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, []Status{StatusProcessing, StatusPostProcessing}).
		Order("started_at DESC").
		First(&batch)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &batch, result.Error
}

// FailStale force-fails the tenant's processing batches whose started
// timestamp is older than the ceiling. Runs before every lock acquisition so
// a crashed worker can never wedge a tenant.
func (r *Repository) FailStale(ctx context.Context, tenantID string, ceiling time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ceiling)
	staleErr, _ := json.Marshal([]models.ImportError{{
		Message: "import timed out",
		Details: fmt.Sprintf("batch stuck in processing for longer than %s; presumed abandoned", ceiling),
	}})

	result := r.db.WithContext(ctx).Model(&ImportBatch{}).
		Where("tenant_id = ? AND status = ? AND started_at < ?", tenantID, StatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":       StatusFailed,
			"errors":       staleErr,
			"error_count":  gorm.Expr("error_count + 1"),
			"completed_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// Transition moves the batch to next after checking the central transition
// table. The write is conditional on the loaded status so concurrent actors
// cannot skip states.
func (r *Repository) Transition(ctx context.Context, id string, next Status) error {
	batch, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !batch.Status.CanTransitionTo(next) {
		return InvalidStateError{Status: batch.Status, Operation: "transition to " + string(next)}
	}

	updates := map[string]interface{}{"status": next}
	now := time.Now().UTC()
	if next == StatusProcessing {
		updates["started_at"] = now
	}
	if next.Terminal() {
		updates["completed_at"] = now
	}

	result := r.db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ? AND status = ?", id, batch.Status).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return InvalidStateError{Status: batch.Status, Operation: "transition to " + string(next)}
	}
	return nil
}

func (r *Repository) SetProcessedCount(ctx context.Context, id string, processed int) error {
	return r.db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ?", id).
		Update("processed_count", processed).Error
}

func (r *Repository) SetRowCount(ctx context.Context, id string, rows int) error {
	return r.db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ?", id).
		Update("row_count", rows).Error
}

func (r *Repository) AppendError(ctx context.Context, id string, entry models.ImportError) error {
	batch, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	entries := append(batch.DecodedErrors(), entry)
	encoded, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"errors":      encoded,
			"error_count": len(entries),
		}).Error
}

func (r *Repository) AppendDiagnostics(ctx context.Context, id string, entries []models.DiagnosticEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	merged := append(batch.DecodedDiagnostics(), entries...)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ?", id).
		Update("diagnostic_logs", encoded).Error
}

// mergeMetadata rewrites exactly one sub-record of the structured metadata
// document, leaving the other concerns untouched.
func (r *Repository) mergeMetadata(ctx context.Context, id string, mutate func(*Metadata)) error {
	batch, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	meta := batch.DecodedMetadata()
	mutate(&meta)
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ?", id).
		Update("metadata", encoded).Error
}

func (r *Repository) MergePostProcessing(ctx context.Context, id string, record PostProcessingRecord) error {
	return r.mergeMetadata(ctx, id, func(meta *Metadata) {
		meta.PostProcessing = &record
	})
}

func (r *Repository) MergeReconciliation(ctx context.Context, id string, rec Reconciliation) error {
	return r.mergeMetadata(ctx, id, func(meta *Metadata) {
		meta.Reconciliation = &rec
	})
}

func (r *Repository) RecordMappingCorrections(ctx context.Context, id string, audit []CorrectionAudit) error {
	if len(audit) == 0 {
		return nil
	}
	return r.mergeMetadata(ctx, id, func(meta *Metadata) {
		meta.MappingCorrections = append(meta.MappingCorrections, audit...)
	})
}

// ForceStatus writes a terminal status without consulting the transition
// table. Reserved for the finalization safety net; everything else goes
// through Transition.
func (r *Repository) ForceStatus(ctx context.Context, id string, status Status) error {
	return r.db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": time.Now().UTC(),
		}).Error
}

func (r *Repository) DeletePending(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, StatusPending).
		Delete(&ImportBatch{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		batch, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return InvalidStateError{Status: batch.Status, Operation: "delete"}
	}
	return nil
}

// Rollback deletes the transactions attributed to the batch and any
// inventory items it created that no remaining transaction references, then
// marks the batch rolled back. One database transaction end to end.
func (r *Repository) Rollback(ctx context.Context, batch *ImportBatch) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"DELETE FROM transactions WHERE import_batch_id = ?", batch.ID,
		).Error; err != nil {
			return fmt.Errorf("deleting batch transactions: %w", err)
		}

		if err := tx.Exec(`
			DELETE FROM inventory_items i
			WHERE i.created_by_batch = ?
			  AND NOT EXISTS (SELECT 1 FROM transactions t
			                  WHERE t.tenant_id = i.tenant_id AND t.sku = i.sku)
		`, batch.ID).Error; err != nil {
			return fmt.Errorf("deleting orphaned items: %w", err)
		}

		result := tx.Model(&ImportBatch{}).
			Where("id = ? AND status = ?", batch.ID, batch.Status).
			Updates(map[string]interface{}{
				"status":       StatusRolledBack,
				"completed_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return InvalidStateError{Status: batch.Status, Operation: "rollback"}
		}
		return nil
	})
}
