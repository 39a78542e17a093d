package visitors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Visitor is one tracked client IP with its latest request context.
type Visitor struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	IPAddress string    `gorm:"column:ip_address;size:64;not null;index" json:"ip_address"`
	UserAgent string    `gorm:"column:user_agent;size:512" json:"user_agent"`
	Path      string    `gorm:"column:path;size:512" json:"path"`
	Referer   string    `gorm:"column:referer;size:512" json:"referer"`
	FirstSeen time.Time `gorm:"column:first_seen;autoCreateTime" json:"first_seen"`
	LastSeen  time.Time `gorm:"column:last_seen;index" json:"last_seen"`
}

// TableName provides the explicit table binding for GORM.
func (Visitor) TableName() string {
	return "visitor_ips"
}

// Visit describes one inbound page view.
type Visit struct {
	IPAddress string
	UserAgent string
	Path      string
	Referer   string
}

// ServiceConfig bundles the visitor tracking dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service records visitor IPs with upsert semantics.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the visitor tracking service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("visitors: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Track upserts the visit by IP. A revisit bumps last_seen and refreshes the
// optional fields only when the new values are non-empty, so an empty referer
// never wipes an earlier one.
func (s *Service) Track(ctx context.Context, visit Visit) error {
	ip := strings.TrimSpace(visit.IPAddress)
	if ip == "" {
		return fmt.Errorf("visitors: ip address is required")
	}
	now := s.clock().UTC()

	var existing Visitor
	err := s.db.WithContext(ctx).Where("ip_address = ?", ip).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := Visitor{
			IPAddress: ip,
			UserAgent: visit.UserAgent,
			Path:      visit.Path,
			Referer:   visit.Referer,
			FirstSeen: now,
			LastSeen:  now,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("visitors: insert failed: %w", err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("visitors: lookup failed: %w", err)
	}

	updates := map[string]interface{}{"last_seen": now}
	if value := strings.TrimSpace(visit.UserAgent); value != "" {
		updates["user_agent"] = value
	}
	if value := strings.TrimSpace(visit.Path); value != "" {
		updates["path"] = value
	}
	if value := strings.TrimSpace(visit.Referer); value != "" {
		updates["referer"] = value
	}
	if err := s.db.WithContext(ctx).Model(&Visitor{}).
		Where("ip_address = ?", ip).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("visitors: update failed: %w", err)
	}
	return nil
}

// Page carries one admin page of visitors plus the unpaginated total.
type Page struct {
	Visitors []Visitor
	Total    int64
}

// List returns visitors by most recent visit. A non-positive limit returns everything.
func (s *Service) List(ctx context.Context, limit, offset int) (Page, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Visitor{}).Count(&total).Error; err != nil {
		return Page{}, fmt.Errorf("visitors: count failed: %w", err)
	}

	query := s.db.WithContext(ctx).Order("last_seen DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}

	var rows []Visitor
	if err := query.Find(&rows).Error; err != nil {
		return Page{}, fmt.Errorf("visitors: list failed: %w", err)
	}
	return Page{Visitors: rows, Total: total}, nil
}
