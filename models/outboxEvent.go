package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// OutboxEvent is appended by upstream transactional writers in the same
// DB transaction as their own domain write, then dispatched by the poller.
// Rows are never deleted; they are the audit/replay log of the pipeline.
type OutboxEvent struct {
	ID            int       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string    `gorm:"size:64;not null;index" json:"business_id"`
	EventType     EventType `gorm:"size:40;not null;index" json:"event_type"`
	Payload       []byte    `gorm:"type:blob" json:"payload"`
	Status        string    `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"status"` // PENDING|PROCESSING|SUCCEEDED|FAILED|DEAD
	AttemptCount  int       `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time `gorm:"index" json:"locked_at"`
	LockedBy      *string    `gorm:"size:100" json:"locked_by"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ProcessedAt   *time.Time `gorm:"index" json:"processed_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// OutboxEvent rows are mutated only by the dispatcher, never deleted.
func (e *OutboxEvent) BeforeDelete(tx *gorm.DB) error {
	return errors.New("outbox events are append-only: rows must not be deleted")
}

// GetOutboxEvent returns the event scoped to the context tenant.
func GetOutboxEvent(ctx context.Context, db *gorm.DB, id int) (*OutboxEvent, error) {
	var event OutboxEvent
	if err := db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}
