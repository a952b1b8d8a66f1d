package db

import (
	"fmt"

	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"gorm.io/gorm"
)

// Migrate applies schema migrations for all persistent models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Account{},
		&models.Subscription{},
		&models.BillingEvent{},
		&models.MessageUsage{},
		&models.Setting{},
	)
}
