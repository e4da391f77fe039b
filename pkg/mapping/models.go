package mapping

import "time"

// Correction is one confirmed deviation from a suggested mapping, scoped to a
// tenant. The table is append-only; lookups take the most recent row per
// header.
type Correction struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	TenantID       string    `json:"tenant_id" gorm:"column:tenant_id;index:idx_corrections_tenant"`
	SourceHeader   string    `json:"source_header" gorm:"column:source_header"`
	SuggestedField string    `json:"suggested_field" gorm:"column:suggested_field"`
	ConfirmedField string    `json:"confirmed_field" gorm:"column:confirmed_field"`
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at"`
}

func (Correction) TableName() string {
	return "mapping_corrections"
}
