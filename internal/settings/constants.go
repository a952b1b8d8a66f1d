package settings

// DB config keys and defaults for operator-tunable limits.
const (
	// TrialWindowDaysKey controls the trial window length in days.
	TrialWindowDaysKey = "TRIAL_WINDOW_DAYS"
	// TrialMessageCapKey controls the trial message cap.
	TrialMessageCapKey = "TRIAL_MESSAGE_CAP"
	// RecurringMessageCapKey controls the monthly message cap.
	RecurringMessageCapKey = "RECURRING_MESSAGE_CAP"
	// UserDailyCostCeilingMicrosKey controls the per-user daily spend ceiling.
	UserDailyCostCeilingMicrosKey = "USER_DAILY_COST_CEILING_MICROS"
	// GlobalHourlyCostCeilingMicrosKey controls the global hourly spend ceiling.
	GlobalHourlyCostCeilingMicrosKey = "GLOBAL_HOURLY_COST_CEILING_MICROS"
	// GlobalDailyCostCeilingMicrosKey controls the global daily spend ceiling.
	GlobalDailyCostCeilingMicrosKey = "GLOBAL_DAILY_COST_CEILING_MICROS"
	// RateLimitPerHourKey controls the per-address hourly request limit.
	RateLimitPerHourKey = "RATE_LIMIT_PER_HOUR"
	// UsageRetentionDaysKey controls how long message usage rows are kept.
	UsageRetentionDaysKey = "USAGE_RETENTION_DAYS"

	// DefaultTrialWindowDays is the fallback trial window (days).
	DefaultTrialWindowDays = 14
	// DefaultTrialMessageCap is the fallback trial message cap.
	DefaultTrialMessageCap = 10
	// DefaultRecurringMessageCap is the fallback monthly message cap.
	DefaultRecurringMessageCap = 100
	// DefaultUserDailyCostCeilingMicros is $1 per user per day in micros.
	DefaultUserDailyCostCeilingMicros = 1_000_000
	// DefaultGlobalHourlyCostCeilingMicros is $5 per hour in micros.
	DefaultGlobalHourlyCostCeilingMicros = 5_000_000
	// DefaultGlobalDailyCostCeilingMicros is $50 per day in micros.
	DefaultGlobalDailyCostCeilingMicros = 50_000_000
	// DefaultRateLimitPerHour is the fallback hourly request limit.
	DefaultRateLimitPerHour = 120
	// DefaultUsageRetentionDays keeps three full calendar months so metered
	// reconciliation always has its current period.
	DefaultUsageRetentionDays = 93
)
