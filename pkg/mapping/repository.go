package mapping

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Correction{})
}

func (r *Repository) Record(ctx context.Context, corrections []Correction) error {
	if len(corrections) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range corrections {
		corrections[i].CreatedAt = now
	}
	return r.db.WithContext(ctx).Create(&corrections).Error
}

// ForTenant returns the most recently confirmed target field per normalized
// header for the tenant.
func (r *Repository) ForTenant(ctx context.Context, tenantID string) (map[string]string, error) {
	var rows []Correction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[normalizeHeader(row.SourceHeader)] = row.ConfirmedField
	}
	return out, nil
}
