package models

import "time"

// Tier classifies an account's entitlement to the interpretation feature.
type Tier string

// Tier values. Accounts are never deleted, only transitioned between tiers.
const (
	// TierTrial grants a limited number of messages inside a time window.
	TierTrial Tier = "trial"
	// TierRecurring grants a monthly message allowance that rolls over.
	TierRecurring Tier = "recurring"
	// TierMetered grants unlimited messages billed per use.
	TierMetered Tier = "metered"
	// TierCancelled permanently blocks the paid feature.
	TierCancelled Tier = "cancelled"
)

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierRecurring, TierMetered, TierCancelled:
		return true
	default:
		return false
	}
}

// Account holds entitlement state for one user of the interpretation feature.
// Exactly one of TrialStartedAt (trial) or PeriodResetsAt (recurring) is
// meaningful for the active tier.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Tier Tier `gorm:"type:text;not null;default:'trial';index"` // Entitlement tier.

	MessagesUsed   int64      `gorm:"not null;default:0"` // Messages consumed in the current period.
	PeriodResetsAt *time.Time ``                          // Next rollover anchor, recurring tier only.
	TrialStartedAt *time.Time ``                          // Trial window start, trial tier only.

	CustomerRef string `gorm:"type:text;index"` // Billing provider customer reference.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (Account) TableName() string {
	return "accounts"
}
