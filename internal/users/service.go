package users

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

const minPasswordLength = 6

var (
	// ErrInvalidEmail indicates an empty or malformed address.
	ErrInvalidEmail = errors.New("users: invalid email")
	// ErrWeakPassword indicates the password is too short.
	ErrWeakPassword = errors.New("users: weak password")
	// ErrEmailTaken indicates an account already uses the address.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates an unknown address or wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrEmailNotConfirmed indicates the account awaits confirmation.
	ErrEmailNotConfirmed = errors.New("users: email not confirmed")
	// ErrAccountNotFound indicates no account matches.
	ErrAccountNotFound = errors.New("users: account not found")
	// ErrProfileExists indicates a profile row already exists for the id.
	ErrProfileExists = errors.New("users: profile already exists")
	// ErrProfileNotFound indicates no profile row matches.
	ErrProfileNotFound = errors.New("users: profile not found")
)

// IDProvider issues account identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	// ConfirmEmail leaves new accounts unconfirmed until Confirm is called.
	ConfirmEmail bool
	HashCost     int
	Logger       *zap.Logger
}

// Service manages accounts, profiles and issued sessions.
type Service struct {
	db           *gorm.DB
	now          func() time.Time
	ids          IDProvider
	confirmEmail bool
	hashCost     int
	logger       *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cost := cfg.HashCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:           cfg.Database,
		now:          clock,
		ids:          cfg.IDProvider,
		confirmEmail: cfg.ConfirmEmail,
		hashCost:     cost,
		logger:       logger,
	}, nil
}

// ConfirmationRequired reports whether new accounts start unconfirmed.
func (s *Service) ConfirmationRequired() bool {
	return s.confirmEmail
}

// Register creates an account for email.
func (s *Service) Register(ctx context.Context, email, password string) (Account, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return Account{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return Account{}, ErrWeakPassword
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("email = ?", normalized).Count(&existing).Error; err != nil {
		return Account{}, fmt.Errorf("users: lookup account: %w", err)
	}
	if existing > 0 {
		return Account{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return Account{}, fmt.Errorf("users: hash password: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Account{}, fmt.Errorf("users: generate id: %w", err)
	}

	now := s.now().UTC()
	account := Account{
		ID:           id,
		Email:        normalized,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !s.confirmEmail {
		account.ConfirmedAt = &now
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return Account{}, fmt.Errorf("users: create account: %w", err)
	}
	s.logger.Info("account registered", zap.String("user_id", account.ID), zap.Bool("confirmed", account.Confirmed()))
	return account, nil
}

// Authenticate verifies email and password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Account, error) {
	account, err := s.accountByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	if !account.Confirmed() {
		return Account{}, ErrEmailNotConfirmed
	}
	return account, nil
}

// Confirm marks the account for email as confirmed.
func (s *Service) Confirm(ctx context.Context, email string) (Account, error) {
	account, err := s.accountByEmail(ctx, email)
	if err != nil {
		return Account{}, err
	}
	if account.Confirmed() {
		return account, nil
	}
	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", account.ID).Update("confirmed_at", now).Error; err != nil {
		return Account{}, fmt.Errorf("users: confirm account: %w", err)
	}
	account.ConfirmedAt = &now
	return account, nil
}

// Account returns the account with id.
func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("users: load account: %w", err)
	}
	return account, nil
}

// Profile returns the profile row for id, or nil when none exists.
func (s *Service) Profile(ctx context.Context, id string) (*Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("users: load profile: %w", err)
	}
	return &profile, nil
}

// InsertProfile stores a new profile row.
func (s *Service) InsertProfile(ctx context.Context, profile Profile) error {
	existing, err := s.Profile(ctx, profile.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrProfileExists
	}
	profile.Name = strings.TrimSpace(profile.Name)
	if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
		return fmt.Errorf("users: create profile: %w", err)
	}
	return nil
}

// SetStaff grants or revokes the staff flag of the account with email.
func (s *Service) SetStaff(ctx context.Context, email string, staff bool) (Profile, error) {
	account, err := s.accountByEmail(ctx, email)
	if err != nil {
		return Profile{}, err
	}
	result := s.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", account.ID).Update("is_staff", staff)
	if result.Error != nil {
		return Profile{}, fmt.Errorf("users: update profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Profile{}, ErrProfileNotFound
	}
	profile, err := s.Profile(ctx, account.ID)
	if err != nil {
		return Profile{}, err
	}
	s.logger.Info("staff flag updated", zap.String("user_id", account.ID), zap.Bool("is_staff", staff))
	return *profile, nil
}

// OpenSession records an issued token.
func (s *Service) OpenSession(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	record := Session{ID: tokenID, UserID: userID, ExpiresAt: expiresAt.UTC(), CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("users: open session: %w", err)
	}
	return nil
}

// RevokeSession marks the token as revoked. Unknown tokens are ignored.
func (s *Service) RevokeSession(ctx context.Context, tokenID string) error {
	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND revoked_at IS NULL", tokenID).
		Update("revoked_at", s.now().UTC()).Error; err != nil {
		return fmt.Errorf("users: revoke session: %w", err)
	}
	return nil
}

// SessionActive reports whether the token is known, unrevoked and unexpired.
func (s *Service) SessionActive(ctx context.Context, tokenID string) (bool, error) {
	var record Session
	err := s.db.WithContext(ctx).Where("id = ?", tokenID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("users: load session: %w", err)
	}
	if record.RevokedAt != nil {
		return false, nil
	}
	return s.now().Before(record.ExpiresAt), nil
}

func (s *Service) accountByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("users: load account: %w", err)
	}
	return account, nil
}
