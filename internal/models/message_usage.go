package models

import "time"

// MessageUsage records one completed interpretation request for metering.
// Metered-tier rows feed the reconciliation comparison against the provider's
// reported usage for the same calendar period.
type MessageUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64 `gorm:"not null;index"`     // Requesting account.
	Tier      Tier   `gorm:"type:text;not null"` // Account tier at request time.

	CostMicros  int64     `gorm:"not null;default:0"` // Incurred LLM cost in micro-dollars.
	RequestedAt time.Time `gorm:"not null;index"`     // Request timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (MessageUsage) TableName() string {
	return "message_usages"
}
