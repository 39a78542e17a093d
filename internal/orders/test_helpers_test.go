package orders

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:orders_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&Order{}, &Counter{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	// The admin listing joins against the newsletter table owned by another
	// package; tests create a minimal shape to keep this package standalone.
	if err := db.Exec(`CREATE TABLE IF NOT EXISTS newsletter_subscribers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		subscribed BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME
	)`).Error; err != nil {
		t.Fatalf("failed to create newsletter table: %v", err)
	}
	return db
}

func newTestAllocator(t *testing.T, db *gorm.DB, start int64, clock func() time.Time) *Allocator {
	t.Helper()
	allocator, err := NewAllocator(AllocatorConfig{
		Database:   db,
		StartValue: start,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("unexpected allocator error: %v", err)
	}
	return allocator
}

func newTestLedger(t *testing.T, db *gorm.DB, start int64, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:  db,
		Allocator: newTestAllocator(t, db, start, clock),
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service
}

func mustCreate(t *testing.T, service *Service, input NewOrder) Order {
	t.Helper()
	row, err := service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return row
}
