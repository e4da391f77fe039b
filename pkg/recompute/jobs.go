package recompute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stockpilot-ai/platform/pkg/common/config"
	"github.com/stockpilot-ai/platform/pkg/common/logger"
	"github.com/stockpilot-ai/platform/pkg/postprocess"
	"gorm.io/gorm"
)

const riskScoreTTL = 24 * time.Hour

// Jobs holds the derived-state recomputations that run after a successful
// bulk load. Each method satisfies the post-processing job contract.
type Jobs struct {
	db    *gorm.DB
	cache *redis.Client
}

func NewJobs(db *gorm.DB, cache *redis.Client) *Jobs {
	return &Jobs{db: db, cache: cache}
}

// Set builds the standard post-processing fan-out. Usage recalculation and
// snapshot creation scan full transaction history, so they get the longer
// ceiling.
func (j *Jobs) Set(cfg *config.Config) []postprocess.Job {
	return []postprocess.Job{
		{Name: "usage_recalculation", Timeout: cfg.PostProcessSlowTimeout, Run: j.RecalculateUsage},
		{Name: "alert_generation", Timeout: cfg.PostProcessJobTimeout, Run: j.GenerateAlerts},
		{Name: "inventory_snapshot", Timeout: cfg.PostProcessSlowTimeout, Run: j.CreateSnapshot},
		{Name: "risk_score_cache", Timeout: cfg.PostProcessJobTimeout, Run: j.RefreshRiskScores},
		{Name: "alert_metric_aggregation", Timeout: cfg.PostProcessJobTimeout, Run: j.AggregateAlertMetrics},
	}
}

// RecalculateUsage rebuilds rolling usage statistics from transaction history.
func (j *Jobs) RecalculateUsage(ctx context.Context, tenantID string) error {
	err := j.db.WithContext(ctx).Exec(`
		INSERT INTO usage_statistics (tenant_id, sku, avg_daily_usage, computed_at)
		SELECT tenant_id, sku,
		       SUM(quantity)::numeric / GREATEST(1, DATE_PART('day', NOW() - MIN(transaction_date))),
		       NOW()
		FROM transactions
		WHERE tenant_id = ? AND transaction_date > NOW() - INTERVAL '90 days'
		GROUP BY tenant_id, sku
		ON CONFLICT (tenant_id, sku)
		DO UPDATE SET avg_daily_usage = EXCLUDED.avg_daily_usage, computed_at = EXCLUDED.computed_at
	`, tenantID).Error
	if err != nil {
		return fmt.Errorf("recalculating usage statistics: %w", err)
	}
	return nil
}

// GenerateAlerts raises low-stock alerts for items that fell under their
// reorder point after the load.
func (j *Jobs) GenerateAlerts(ctx context.Context, tenantID string) error {
	err := j.db.WithContext(ctx).Exec(`
		INSERT INTO alerts (tenant_id, sku, alert_type, severity, created_at)
		SELECT i.tenant_id, i.sku, 'low_stock',
		       CASE WHEN i.quantity_on_hand <= 0 THEN 'critical' ELSE 'warning' END,
		       NOW()
		FROM inventory_items i
		WHERE i.tenant_id = ?
		  AND i.quantity_on_hand <= i.reorder_point
		  AND NOT EXISTS (
		        SELECT 1 FROM alerts a
		        WHERE a.tenant_id = i.tenant_id AND a.sku = i.sku
		          AND a.alert_type = 'low_stock' AND a.resolved_at IS NULL)
	`, tenantID).Error
	if err != nil {
		return fmt.Errorf("generating alerts: %w", err)
	}
	return nil
}

// CreateSnapshot freezes the tenant's current inventory position.
func (j *Jobs) CreateSnapshot(ctx context.Context, tenantID string) error {
	err := j.db.WithContext(ctx).Exec(`
		INSERT INTO inventory_snapshots (tenant_id, sku, quantity_on_hand, unit_cost, snapshot_date)
		SELECT tenant_id, sku, quantity_on_hand, unit_cost, CURRENT_DATE
		FROM inventory_items
		WHERE tenant_id = ?
		ON CONFLICT (tenant_id, sku, snapshot_date)
		DO UPDATE SET quantity_on_hand = EXCLUDED.quantity_on_hand, unit_cost = EXCLUDED.unit_cost
	`, tenantID).Error
	if err != nil {
		return fmt.Errorf("creating inventory snapshot: %w", err)
	}
	return nil
}

// RefreshRiskScores recomputes stockout-risk scores and caches them for the
// dashboard's hot read path.
func (j *Jobs) RefreshRiskScores(ctx context.Context, tenantID string) error {
	type riskRow struct {
		SKU   string  `gorm:"column:sku"`
		Score float64 `gorm:"column:score"`
	}

	var rows []riskRow
	err := j.db.WithContext(ctx).Raw(`
		SELECT i.sku,
		       LEAST(1.0, GREATEST(0.0,
		           1.0 - i.quantity_on_hand / GREATEST(1.0, u.avg_daily_usage * 30))) AS score
		FROM inventory_items i
		LEFT JOIN usage_statistics u ON u.tenant_id = i.tenant_id AND u.sku = i.sku
		WHERE i.tenant_id = ?
	`, tenantID).Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("computing risk scores: %w", err)
	}

	scores := make(map[string]float64, len(rows))
	for _, row := range rows {
		scores[row.SKU] = row.Score
	}

	payload, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encoding risk scores: %w", err)
	}

	key := fmt.Sprintf("risk_scores:%s", tenantID)
	if err := j.cache.Set(ctx, key, payload, riskScoreTTL).Err(); err != nil {
		return fmt.Errorf("caching risk scores: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"skus":      len(scores),
	}).Debug("risk score cache refreshed")
	return nil
}

// AggregateAlertMetrics rolls open alerts up into per-day counters.
func (j *Jobs) AggregateAlertMetrics(ctx context.Context, tenantID string) error {
	err := j.db.WithContext(ctx).Exec(`
		INSERT INTO alert_metrics (tenant_id, metric_date, alert_type, severity, open_count)
		SELECT tenant_id, CURRENT_DATE, alert_type, severity, COUNT(*)
		FROM alerts
		WHERE tenant_id = ? AND resolved_at IS NULL
		GROUP BY tenant_id, alert_type, severity
		ON CONFLICT (tenant_id, metric_date, alert_type, severity)
		DO UPDATE SET open_count = EXCLUDED.open_count
	`, tenantID).Error
	if err != nil {
		return fmt.Errorf("aggregating alert metrics: %w", err)
	}
	return nil
}
