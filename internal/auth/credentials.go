package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrInvalidCredentials indicates the email/password pair did not match an
// admin account. Unknown accounts and wrong passwords are indistinguishable.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// AdminUser is a persisted administrator account. Passwords are stored as
// bcrypt hashes only.
type AdminUser struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Email        string    `gorm:"column:email;uniqueIndex;size:320;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:120;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (AdminUser) TableName() string {
	return "admin_users"
}

// CredentialServiceConfig bundles the admin account dependencies.
type CredentialServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// CredentialService verifies admin logins against stored bcrypt hashes.
type CredentialService struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCredentialService constructs the service.
func NewCredentialService(cfg CredentialServiceConfig) (*CredentialService, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("auth: database handle is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialService{db: cfg.Database, logger: logger}, nil
}

// VerifyCredentials checks the email/password pair against the admin table.
func (s *CredentialService) VerifyCredentials(ctx context.Context, email, password string) error {
	normalized := normalizeEmail(email)
	if normalized == "" || password == "" {
		return ErrInvalidCredentials
	}

	var account AdminUser
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("auth: admin lookup failed: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// EnsureAdmin seeds the admin account when absent. An existing account is
// left untouched so a live password is never silently rotated by a restart.
func (s *CredentialService) EnsureAdmin(ctx context.Context, email, password string) error {
	normalized := normalizeEmail(email)
	if normalized == "" || strings.TrimSpace(password) == "" {
		return nil
	}

	var existing AdminUser
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("auth: admin lookup failed: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hashing admin password: %w", err)
	}
	account := AdminUser{Email: normalized, PasswordHash: string(hash)}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return fmt.Errorf("auth: seeding admin account: %w", err)
	}
	s.logger.Info("admin account seeded", zap.String("email", normalized))
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
