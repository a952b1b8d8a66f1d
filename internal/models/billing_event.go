package models

import (
	"time"

	"gorm.io/datatypes"
)

// BillingEvent records one processed provider webhook delivery. The row is
// write-once: existence of a ProviderEventID is the idempotency guard, so a
// redelivered event is skipped before any business logic runs.
type BillingEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProviderEventID string `gorm:"type:text;not null;uniqueIndex"` // Provider event ID used for deduplication.
	EventType       string `gorm:"type:text;not null;index"`       // Provider event name.

	Payload datatypes.JSON `gorm:"type:jsonb"` // Raw webhook body as received.

	ProcessedAt time.Time `gorm:"not null"` // When the event's effect was applied.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (BillingEvent) TableName() string {
	return "billing_events"
}
