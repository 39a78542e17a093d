package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const counterRowID = 1

var errMissingAllocatorDatabase = errors.New("orders: allocator database handle is required")

// AllocatorConfig bundles the dependencies for the order number allocator.
type AllocatorConfig struct {
	Database *gorm.DB
	// StartValue seeds the counter; the first issued number is StartValue+1.
	StartValue int64
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Allocator hands out unique, monotonically increasing order numbers backed
// by a singleton counter row.
type Allocator struct {
	db     *gorm.DB
	start  int64
	clock  func() time.Time
	logger *zap.Logger
}

// NewAllocator constructs an Allocator with validated configuration.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if cfg.Database == nil {
		return nil, errMissingAllocatorDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		db:     cfg.Database,
		start:  cfg.StartValue,
		clock:  clock,
		logger: logger,
	}, nil
}

// StartValue exposes the configured counter seed.
func (a *Allocator) StartValue() int64 {
	return a.start
}

// Next atomically increments the counter and returns the new value. The
// increment is a single UPDATE..RETURNING statement so two concurrent callers
// can never observe the same number.
func (a *Allocator) Next(ctx context.Context) (int64, error) {
	if err := a.ensureCounter(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var value int64
	result := a.db.WithContext(ctx).Raw(
		"UPDATE order_counter SET current_value = current_value + 1 WHERE id = ? RETURNING current_value",
		counterRowID,
	).Scan(&value)
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		// The seed row is guaranteed by ensureCounter; reaching this means the
		// store dropped it between the two statements.
		return 0, fmt.Errorf("%w: counter row missing", ErrStorageUnavailable)
	}
	return value, nil
}

// ensureCounter creates the seed row when absent. The ON CONFLICT clause makes
// the creation race-safe: two racing callers cannot both win.
func (a *Allocator) ensureCounter(ctx context.Context) error {
	seed := Counter{ID: counterRowID, CurrentValue: a.start}
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
}

// FallbackNumber derives a timestamp-based pseudo-unique order number for use
// when the counter store is unreachable. Orders carrying such numbers must be
// tagged for later reconciliation; global uniqueness is not guaranteed.
func (a *Allocator) FallbackNumber() int64 {
	return a.clock().Unix()%1_000_000 + a.start + 1
}

// Reset returns the counter to its start value. Callers must run it inside
// the same transaction that clears the ledger so the two stay consistent.
func (a *Allocator) Reset(tx *gorm.DB) error {
	seed := Counter{ID: counterRowID, CurrentValue: a.start}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"current_value": a.start}),
	}).Create(&seed).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	a.logger.Info("order counter reset", zap.Int64("start_value", a.start))
	return nil
}
