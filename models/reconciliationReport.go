package models

import "time"

// ReconciliationReport is one persisted mismatch found by a reconciliation
// run. The run's summary result itself is derived and never stored; these
// rows exist for operator follow-up and alert deduplication.
type ReconciliationReport struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"size:64;not null;index" json:"business_id"`
	CheckType     string    `gorm:"size:40;not null;index" json:"check_type"`
	EntityType    string    `gorm:"size:40" json:"entity_type"`
	EntityId      int       `json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
