// Package store wraps every persistent-store operation behind the shared
// connection circuit breaker. Request-path callers fail fast with
// ErrOverloaded while the circuit is open; batch callers (rollover sweep,
// reconciliation) go through Batch(), which still attempts the operation and
// feeds the outcome back into the circuit, so the breaker heals without a
// timed half-open probe.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"gorm.io/gorm"
)

// Store errors.
var (
	// ErrOverloaded indicates the connection circuit is open; the underlying
	// operation was not attempted.
	ErrOverloaded = errors.New("store: connection circuit open")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Store provides circuit-protected access to the relational store.
type Store struct {
	db      *gorm.DB
	breaker *Breaker
	bypass  bool
}

// New constructs a Store around a GORM connection and a shared breaker.
func New(db *gorm.DB, breaker *Breaker) *Store {
	if breaker == nil {
		breaker = NewBreaker(0)
	}
	return &Store{db: db, breaker: breaker}
}

// Batch returns a view of the store for batch jobs: operations are attempted
// even while the circuit is open, and their outcomes update the circuit.
func (s *Store) Batch() *Store {
	return &Store{db: s.db, breaker: s.breaker, bypass: true}
}

// Breaker exposes the shared circuit for observability.
func (s *Store) Breaker() *Breaker {
	return s.breaker
}

// exec runs one store operation under circuit protection.
func (s *Store) exec(ctx context.Context, fn func(conn *gorm.DB) error) error {
	if !s.bypass && s.breaker.Open() {
		return ErrOverloaded
	}
	err := fn(s.db.WithContext(ctx))
	s.breaker.Observe(err)
	return err
}

// Transaction runs fn inside one atomic unit of work under circuit
// protection. Either every write in fn commits or none does.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Transaction(fn)
	})
}

// GetAccount loads an account by ID.
func (s *Store) GetAccount(ctx context.Context, accountID uint64) (*models.Account, error) {
	var account models.Account
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		return conn.First(&account, accountID).Error
	})
	if errExec != nil {
		if errors.Is(errExec, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errExec
	}
	return &account, nil
}

// GetAccountByCustomerRef loads an account by its provider customer reference.
func (s *Store) GetAccountByCustomerRef(ctx context.Context, customerRef string) (*models.Account, error) {
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return nil, ErrNotFound
	}

	var account models.Account
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Where("customer_ref = ?", customerRef).First(&account).Error
	})
	if errExec != nil {
		if errors.Is(errExec, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errExec
	}
	return &account, nil
}

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	return s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Create(account).Error
	})
}

// SaveAccount persists all fields of an existing account.
func (s *Store) SaveAccount(ctx context.Context, account *models.Account) error {
	return s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Save(account).Error
	})
}

// RolloverAccount resets the message count and advances the reset anchor,
// guarded on the previously stored anchor so a racing rollover writes at most
// once. Returns whether this call performed the write.
func (s *Store) RolloverAccount(ctx context.Context, accountID uint64, fromAnchor, toAnchor time.Time) (bool, error) {
	var performed bool
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		res := conn.Model(&models.Account{}).
			Where("id = ? AND tier = ? AND period_resets_at = ?", accountID, models.TierRecurring, fromAnchor).
			Updates(map[string]any{
				"messages_used":    0,
				"period_resets_at": toAnchor,
			})
		if res.Error != nil {
			return res.Error
		}
		performed = res.RowsAffected > 0
		return nil
	})
	return performed, errExec
}

// IncrementMessageCount adds one consumed message to the account.
func (s *Store) IncrementMessageCount(ctx context.Context, accountID uint64) error {
	return s.exec(ctx, func(conn *gorm.DB) error {
		res := conn.Model(&models.Account{}).
			Where("id = ?", accountID).
			Update("messages_used", gorm.Expr("messages_used + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListAccountsDueRollover returns recurring accounts whose reset anchor has
// passed, for the scheduled backstop sweep.
func (s *Store) ListAccountsDueRollover(ctx context.Context, now time.Time, limit int) ([]models.Account, error) {
	if limit <= 0 {
		limit = 500
	}
	var accounts []models.Account
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Where("tier = ? AND period_resets_at IS NOT NULL AND period_resets_at <= ?", models.TierRecurring, now).
			Order("period_resets_at ASC").
			Limit(limit).
			Find(&accounts).Error
	})
	if errExec != nil {
		return nil, errExec
	}
	return accounts, nil
}

// GetSubscriptionByProviderID loads a subscription by the provider's ID.
func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerID string) (*models.Subscription, error) {
	var sub models.Subscription
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Where("provider_id = ?", providerID).First(&sub).Error
	})
	if errExec != nil {
		if errors.Is(errExec, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errExec
	}
	return &sub, nil
}

// ListLiveSubscriptions returns all subscriptions whose status still drives
// entitlement (active, past_due, paused).
func (s *Store) ListLiveSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Where("status IN ?", []models.SubscriptionStatus{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
			models.SubscriptionStatusPaused,
		}).Order("id ASC").Find(&subs).Error
	})
	if errExec != nil {
		return nil, errExec
	}
	return subs, nil
}

// BillingEventExists reports whether an event with the provider event ID has
// already been processed.
func (s *Store) BillingEventExists(ctx context.Context, providerEventID string) (bool, error) {
	var count int64
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Model(&models.BillingEvent{}).
			Where("provider_event_id = ?", providerEventID).
			Count(&count).Error
	})
	if errExec != nil {
		return false, errExec
	}
	return count > 0, nil
}

// CreateMessageUsage records one completed interpretation request.
func (s *Store) CreateMessageUsage(ctx context.Context, usage *models.MessageUsage) error {
	return s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Create(usage).Error
	})
}

// DeleteUsageBefore removes at most limit usage rows older than cutoff,
// oldest first, and returns how many were deleted. The limited subquery
// keeps each delete short so retention never holds a long table lock.
func (s *Store) DeleteUsageBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 5000
	}
	var deleted int64
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		res := conn.Exec(`
			DELETE FROM message_usages
			WHERE id IN (
				SELECT id FROM message_usages
				WHERE requested_at < ?
				ORDER BY requested_at ASC
				LIMIT ?
			)
		`, cutoff, limit)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, errExec
}

// CountUsageBetween counts recorded messages for an account in [from, to).
func (s *Store) CountUsageBetween(ctx context.Context, accountID uint64, from, to time.Time) (int64, error) {
	var count int64
	errExec := s.exec(ctx, func(conn *gorm.DB) error {
		return conn.Model(&models.MessageUsage{}).
			Where("account_id = ? AND requested_at >= ? AND requested_at < ?", accountID, from, to).
			Count(&count).Error
	})
	if errExec != nil {
		return 0, errExec
	}
	return count, nil
}

// IsDuplicateKey reports whether an error is a unique-constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Match only unique violations by message: postgres says "duplicate key
	// value violates unique constraint", sqlite says "UNIQUE constraint
	// failed". Other constraint classes (NOT NULL, CHECK) must not be
	// mistaken for a duplicate write.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
}
