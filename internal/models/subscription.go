package models

import "time"

// SubscriptionStatus mirrors the billing provider's subscription lifecycle.
type SubscriptionStatus string

// SubscriptionStatus values.
const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// Live reports whether the status still drives entitlement.
func (s SubscriptionStatus) Live() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusPaused:
		return true
	default:
		return false
	}
}

// Subscription mirrors the billing provider's record for one account. The
// provider owns the identifier; each account has at most one live
// subscription and only the current one drives entitlement.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProviderID string `gorm:"type:text;not null;uniqueIndex"` // Provider-assigned subscription ID.
	AccountID  uint64 `gorm:"not null;index"`                 // Owning account.

	Tier   Tier               `gorm:"type:text;not null"`       // Tier granted by the plan.
	Status SubscriptionStatus `gorm:"type:text;not null;index"` // Provider lifecycle status.

	RenewsAt *time.Time `` // Next renewal, when the provider reports one.
	EndsAt   *time.Time `` // Scheduled or effective end, when set.

	PlanRef string `gorm:"type:text"` // Provider plan/variant reference.
	ItemRef string `gorm:"type:text"` // Provider subscription item used for metered reporting.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (Subscription) TableName() string {
	return "subscriptions"
}
