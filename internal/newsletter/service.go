package newsletter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidEmail indicates the submitted address is not a plausible email.
var ErrInvalidEmail = errors.New("newsletter: invalid email address")

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Subscriber is a persisted newsletter signup. Unsubscribing flips the flag
// instead of deleting the row so signup history survives.
type Subscriber struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Email      string    `gorm:"column:email;uniqueIndex;size:320;not null" json:"email"`
	Subscribed bool      `gorm:"column:subscribed;not null;default:true" json:"subscribed"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Subscriber) TableName() string {
	return "newsletter_subscribers"
}

// Mailer sends transactional email for the newsletter.
type Mailer interface {
	SendWelcome(email string) error
}

// ServiceConfig bundles the newsletter dependencies. Mailer is optional;
// without one, signups simply skip the welcome email.
type ServiceConfig struct {
	Database *gorm.DB
	Mailer   Mailer
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages newsletter subscriptions.
type Service struct {
	db     *gorm.DB
	mailer Mailer
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the newsletter service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("newsletter: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		mailer: cfg.Mailer,
		clock:  clock,
		logger: logger,
	}, nil
}

// Subscribe records the address, resubscribing a previously unsubscribed row
// rather than creating a duplicate. It reports whether the signup was new.
func (s *Service) Subscribe(ctx context.Context, email string) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(normalized) {
		return false, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	var existing Subscriber
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&existing).Error
	switch {
	case err == nil:
		if !existing.Subscribed {
			if err := s.db.WithContext(ctx).Model(&Subscriber{}).
				Where("email = ?", normalized).
				Update("subscribed", true).Error; err != nil {
				return false, fmt.Errorf("newsletter: resubscribe failed: %w", err)
			}
			s.logger.Info("subscriber reactivated", zap.String("email", normalized))
		}
		return false, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		row := Subscriber{Email: normalized, Subscribed: true, CreatedAt: s.clock().UTC()}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return false, fmt.Errorf("newsletter: subscribe failed: %w", err)
		}
		s.sendWelcome(normalized)
		return true, nil

	default:
		return false, fmt.Errorf("newsletter: subscriber lookup failed: %w", err)
	}
}

// Unsubscribe soft-deletes the signup, keeping the row for history.
func (s *Service) Unsubscribe(ctx context.Context, email string) error {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	return s.db.WithContext(ctx).Model(&Subscriber{}).
		Where("email = ?", normalized).
		Update("subscribed", false).Error
}

// Page carries one admin page of subscribers plus the unpaginated total.
type Page struct {
	Subscribers []Subscriber
	Total       int64
}

// List returns subscribed rows newest-first. A non-positive limit returns everything.
func (s *Service) List(ctx context.Context, limit, offset int) (Page, error) {
	query := s.db.WithContext(ctx).Model(&Subscriber{}).Where("subscribed = ?", true)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return Page{}, fmt.Errorf("newsletter: count failed: %w", err)
	}

	listQuery := s.db.WithContext(ctx).
		Where("subscribed = ?", true).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		listQuery = listQuery.Limit(limit).Offset(offset)
	}

	var rows []Subscriber
	if err := listQuery.Find(&rows).Error; err != nil {
		return Page{}, fmt.Errorf("newsletter: list failed: %w", err)
	}
	return Page{Subscribers: rows, Total: total}, nil
}

// sendWelcome fires the welcome email without blocking the signup response.
// Delivery failures are logged, never surfaced.
func (s *Service) sendWelcome(email string) {
	if s.mailer == nil {
		return
	}
	mailer := s.mailer
	logger := s.logger
	go func() {
		if err := mailer.SendWelcome(email); err != nil {
			logger.Warn("welcome email failed", zap.String("email", email), zap.Error(err))
		}
	}()
}
