package usage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupCleaner(t *testing.T) (*RetentionCleaner, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:retention_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.MessageUsage{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return NewRetentionCleaner(store.New(conn, store.NewBreaker(5))), conn
}

func TestCleanupOnceDeletesOnlyExpiredRows(t *testing.T) {
	cleaner, conn := setupCleaner(t)
	now := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	cleaner.SetNowFunc(func() time.Time { return now })

	old := models.MessageUsage{AccountID: 1, Tier: models.TierMetered, RequestedAt: now.AddDate(0, 0, -120)}
	recent := models.MessageUsage{AccountID: 1, Tier: models.TierMetered, RequestedAt: now.AddDate(0, 0, -5)}
	if errCreate := conn.Create(&old).Error; errCreate != nil {
		t.Fatalf("create old row: %v", errCreate)
	}
	if errCreate := conn.Create(&recent).Error; errCreate != nil {
		t.Fatalf("create recent row: %v", errCreate)
	}

	cleaner.CleanupOnce(context.Background())

	var remaining []models.MessageUsage
	if errFind := conn.Find(&remaining).Error; errFind != nil {
		t.Fatalf("find rows: %v", errFind)
	}
	if len(remaining) != 1 || remaining[0].ID != recent.ID {
		t.Fatalf("expected only the recent row to survive, got %d rows", len(remaining))
	}
}

func TestCleanupOnceBatchesUntilDone(t *testing.T) {
	cleaner, conn := setupCleaner(t)
	now := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	cleaner.SetNowFunc(func() time.Time { return now })
	cleaner.batchSize = 3

	for i := 0; i < 10; i++ {
		row := models.MessageUsage{AccountID: 1, Tier: models.TierTrial, RequestedAt: now.AddDate(0, 0, -200)}
		if errCreate := conn.Create(&row).Error; errCreate != nil {
			t.Fatalf("create row: %v", errCreate)
		}
	}

	cleaner.CleanupOnce(context.Background())

	var count int64
	conn.Model(&models.MessageUsage{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected all expired rows deleted, %d left", count)
	}
}
