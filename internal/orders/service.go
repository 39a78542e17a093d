package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingAllocator = errors.New("allocator is required")
	noOpLogger          = zap.NewNop()
)

// ServiceError wraps ledger failures with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the machine-readable failure code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "orders.service.new"
	opCreate     = "orders.create"
	opFind       = "orders.find_by_payment_id"
	opComplete   = "orders.complete_by_payment_id"
	opMostRecent = "orders.most_recent_within"
	opClearAll   = "orders.clear_all"
	opList       = "orders.list"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig bundles the ledger dependencies.
type ServiceConfig struct {
	Database  *gorm.DB
	Allocator *Allocator
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service is the durable order ledger, written by the synchronous checkout
// flow and the asynchronous webhook flow.
type Service struct {
	db        *gorm.DB
	allocator *Allocator
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Allocator == nil {
		return nil, newServiceError(opServiceNew, "missing_allocator", errMissingAllocator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:        cfg.Database,
		allocator: cfg.Allocator,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Allocator exposes the number source bound to this ledger.
func (s *Service) Allocator() *Allocator {
	return s.allocator
}

// Create inserts a new ledger row. A duplicate order number surfaces
// ErrDuplicateOrderNumber and mutates nothing; it indicates an allocator bug
// or a lost race and is logged at error level.
func (s *Service) Create(ctx context.Context, input NewOrder) (Order, error) {
	if err := input.validate(); err != nil {
		return Order{}, newServiceError(opCreate, "invalid_input", err)
	}

	row := Order{
		OrderNumber: input.OrderNumber,
		Email:       optionalString(input.Email),
		Format:      input.Format,
		Price:       strings.TrimSpace(input.Price),
		ProductName: strings.TrimSpace(input.ProductName),
		PaymentID:   optionalString(input.PaymentID),
		Status:      input.Status,
		Fallback:    input.Fallback,
		CreatedAt:   s.clock().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			s.logger.Error("order number collision",
				zap.Int64("order_number", input.OrderNumber),
				zap.String("payment_id", input.PaymentID),
				zap.Error(err))
			return Order{}, newServiceError(opCreate, "duplicate_order_number",
				fmt.Errorf("%w: %d", ErrDuplicateOrderNumber, input.OrderNumber))
		}
		s.logError(opCreate, "insert_failed", err, zap.Int64("order_number", input.OrderNumber))
		return Order{}, newServiceError(opCreate, "insert_failed", fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}

	s.logger.Info("order recorded",
		zap.Int64("order_number", row.OrderNumber),
		zap.String("status", string(row.Status)),
		zap.Bool("fallback_number", row.Fallback))
	return row, nil
}

// FindByPaymentID returns the order carrying the provider correlation id.
func (s *Service) FindByPaymentID(ctx context.Context, paymentID string) (Order, error) {
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return Order{}, newServiceError(opFind, "missing_payment_id", ErrNotFound)
	}

	var row Order
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", trimmed).
		Order("created_at DESC, id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, newServiceError(opFind, "not_found", fmt.Errorf("%w: %s", ErrNotFound, trimmed))
	}
	if err != nil {
		s.logError(opFind, "query_failed", err, zap.String("payment_id", trimmed))
		return Order{}, newServiceError(opFind, "query_failed", fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}
	return row, nil
}

// CompleteByPaymentID marks the matching row completed, backfilling email
// when present. A miss returns (false, nil): the webhook may have raced ahead
// of the pending-row write, and the caller decides how to reconcile.
func (s *Service) CompleteByPaymentID(ctx context.Context, paymentID, email string) (bool, error) {
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return false, newServiceError(opComplete, "missing_payment_id", ErrNotFound)
	}

	updates := map[string]interface{}{"status": StatusCompleted}
	if normalized := strings.TrimSpace(email); normalized != "" {
		updates["email"] = normalized
	}

	result := s.db.WithContext(ctx).
		Model(&Order{}).
		Where("payment_id = ?", trimmed).
		Updates(updates)
	if result.Error != nil {
		s.logError(opComplete, "update_failed", result.Error, zap.String("payment_id", trimmed))
		return false, newServiceError(opComplete, "update_failed",
			fmt.Errorf("%w: %v", ErrStorageUnavailable, result.Error))
	}
	if result.RowsAffected == 0 {
		s.logger.Warn("no order matched payment id on completion", zap.String("payment_id", trimmed))
		return false, nil
	}
	return true, nil
}

// MostRecentWithin returns the newest order when its age is below the window.
// This is a recency heuristic for success-page polling; it assumes
// single-buyer-at-a-time traffic and is only a fallback for redirects that
// lost their order number parameter.
func (s *Service) MostRecentWithin(ctx context.Context, window time.Duration) (Order, error) {
	var row Order
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, newServiceError(opMostRecent, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opMostRecent, "query_failed", err)
		return Order{}, newServiceError(opMostRecent, "query_failed",
			fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}
	if s.clock().UTC().Sub(row.CreatedAt) > window {
		return Order{}, newServiceError(opMostRecent, "stale", ErrNotFound)
	}
	return row, nil
}

// ClearAll deletes every order and resets the allocator counter in one
// transaction so the two stay consistent.
func (s *Service) ClearAll(ctx context.Context) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Order{}).Error; err != nil {
			return err
		}
		return s.allocator.Reset(tx)
	})
	if txErr != nil {
		s.logError(opClearAll, "transaction_failed", txErr)
		return newServiceError(opClearAll, "transaction_failed",
			fmt.Errorf("%w: %v", ErrStorageUnavailable, txErr))
	}
	s.logger.Info("order ledger cleared", zap.Int64("counter_start", s.allocator.StartValue()))
	return nil
}

// AdminOrder is a ledger row joined against the newsletter list for reporting.
type AdminOrder struct {
	Order
	IsNewsletterSubscriber bool       `gorm:"column:is_newsletter_subscriber" json:"is_newsletter_subscriber"`
	NewsletterSubscribedAt *time.Time `gorm:"column:newsletter_subscribed_at" json:"newsletter_subscribed_at"`
}

// Page carries one admin page of orders plus the unpaginated total.
type Page struct {
	Orders []AdminOrder
	Total  int64
}

// List returns orders newest-first with a case-insensitive join against
// subscribed newsletter rows. A non-positive limit returns everything.
func (s *Service) List(ctx context.Context, limit, offset int) (Page, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Order{}).Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return Page{}, newServiceError(opList, "count_failed",
			fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}

	query := `
SELECT o.*,
       ns.email IS NOT NULL AS is_newsletter_subscriber,
       ns.created_at AS newsletter_subscribed_at
FROM orders o
LEFT JOIN newsletter_subscribers ns
       ON LOWER(o.email) = LOWER(ns.email) AND ns.subscribed = 1
ORDER BY o.created_at DESC, o.id DESC`

	var rows []AdminOrder
	var err error
	if limit > 0 {
		err = s.db.WithContext(ctx).Raw(query+" LIMIT ? OFFSET ?", limit, offset).Scan(&rows).Error
	} else {
		err = s.db.WithContext(ctx).Raw(query).Scan(&rows).Error
	}
	if err != nil {
		s.logError(opList, "query_failed", err)
		return Page{}, newServiceError(opList, "query_failed",
			fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}

	return Page{Orders: rows, Total: total}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "constraint failed") && strings.Contains(message, "orders.order_number")
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("order ledger error", attrs...)
}
