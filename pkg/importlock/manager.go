package importlock

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/stockpilot-ai/platform/pkg/common/logger"
)

// Store is the server-side advisory-lock primitive. Locks are session-scoped:
// Reset tears down the session holding the key, which force-releases every
// lock that session held.
type Store interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) (bool, error)
	Reset(ctx context.Context, key int64) error
}

// StaleBatchFailer force-fails batches stuck in processing past the ceiling.
// Satisfied by the importer repository.
type StaleBatchFailer interface {
	FailStale(ctx context.Context, tenantID string, ceiling time.Duration) (int64, error)
}

// Manager serializes imports per tenant. Acquire never blocks and Release
// never fails from the caller's point of view.
type Manager struct {
	store   Store
	batches StaleBatchFailer
	ceiling time.Duration
}

func NewManager(store Store, batches StaleBatchFailer, ceiling time.Duration) *Manager {
	return &Manager{store: store, batches: batches, ceiling: ceiling}
}

// Acquire sweeps stale batches for the tenant, then attempts a non-blocking
// advisory lock. It returns false when another session holds the lock; the
// caller surfaces that as a conflict, never retries internally.
func (m *Manager) Acquire(ctx context.Context, tenantID string) (bool, error) {
	// The sweep runs on every attempt so a crashed process can never wedge
	// a tenant past the staleness ceiling.
	if m.batches != nil {
		failed, err := m.batches.FailStale(ctx, tenantID, m.ceiling)
		if err != nil {
			logger.Log.WithError(err).WithField("tenant_id", tenantID).Warn("stale import sweep failed")
		} else if failed > 0 {
			logger.Log.WithFields(map[string]interface{}{
				"tenant_id": tenantID,
				"batches":   failed,
			}).Warn("force-failed stale import batches")
		}
	}

	acquired, err := m.store.TryLock(ctx, TenantKey(tenantID))
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Release unlocks the tenant's key. A failed unlock is retried once; if the
// retry also fails the session is reset, which force-releases the lock as a
// side effect. If even the reset fails the lock clears only when the session
// naturally expires; that degradation is logged, not swallowed.
func (m *Manager) Release(ctx context.Context, tenantID string) {
	key := TenantKey(tenantID)

	released, err := m.store.Unlock(ctx, key)
	if err == nil && released {
		return
	}
	if err != nil {
		logger.Log.WithError(err).WithField("tenant_id", tenantID).Warn("advisory unlock failed, retrying")
	} else {
		logger.Log.WithField("tenant_id", tenantID).Warn("advisory unlock reported no lock held, retrying")
	}

	released, err = m.store.Unlock(ctx, key)
	if err == nil && released {
		return
	}

	logger.Log.WithField("tenant_id", tenantID).Error("advisory unlock retry failed, resetting session")
	if resetErr := m.store.Reset(ctx, key); resetErr != nil {
		logger.Log.WithError(resetErr).WithField("tenant_id", tenantID).Error(
			"session reset failed; lock will clear only when the session expires")
	}
}

// TenantKey maps a tenant id to a stable 32-bit advisory-lock key.
func TenantKey(tenantID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int64(int32(h.Sum32()))
}
