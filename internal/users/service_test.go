package users

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type counterIDs struct {
	next int
}

func (c *counterIDs) NewID() (string, error) {
	c.next++
	return fmt.Sprintf("user-%d", c.next), nil
}

func newTestService(t *testing.T, confirmEmail bool, clock func() time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Account{}, &Profile{}, &Session{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:     db,
		Clock:        clock,
		IDProvider:   &counterIDs{},
		ConfirmEmail: confirmEmail,
		HashCost:     bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestRegisterAndAuthenticate(t *testing.T) {
	service := newTestService(t, false, nil)
	ctx := context.Background()

	account, err := service.Register(ctx, "  Ann@X.com ", "secret1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if account.Email != "ann@x.com" || !account.Confirmed() {
		t.Fatalf("unexpected account %#v", account)
	}
	if account.PasswordHash == "secret1" {
		t.Fatalf("password must be hashed")
	}

	if _, err := service.Register(ctx, "ann@x.com", "secret2"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected email taken, got %v", err)
	}

	authenticated, err := service.Authenticate(ctx, "ANN@x.com", "secret1")
	if err != nil || authenticated.ID != account.ID {
		t.Fatalf("unexpected authentication %#v, %v", authenticated, err)
	}
	if _, err := service.Authenticate(ctx, "ann@x.com", "wrong-pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := service.Authenticate(ctx, "nobody@x.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	service := newTestService(t, false, nil)
	if _, err := service.Register(context.Background(), "not-an-email", "secret1"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected invalid email, got %v", err)
	}
	if _, err := service.Register(context.Background(), "ann@x.com", "123"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected weak password, got %v", err)
	}
}

func TestConfirmationMode(t *testing.T) {
	service := newTestService(t, true, nil)
	ctx := context.Background()

	account, err := service.Register(ctx, "bo@x.com", "secret1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if account.Confirmed() {
		t.Fatalf("expected unconfirmed account")
	}
	if _, err := service.Authenticate(ctx, "bo@x.com", "secret1"); !errors.Is(err, ErrEmailNotConfirmed) {
		t.Fatalf("expected not confirmed, got %v", err)
	}
	if _, err := service.Confirm(ctx, "bo@x.com"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := service.Authenticate(ctx, "bo@x.com", "secret1"); err != nil {
		t.Fatalf("expected sign in after confirmation, got %v", err)
	}
}

func TestProfilesAndStaffGrant(t *testing.T) {
	service := newTestService(t, false, nil)
	ctx := context.Background()
	account, err := service.Register(ctx, "cy@x.com", "secret1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if profile, err := service.Profile(ctx, account.ID); err != nil || profile != nil {
		t.Fatalf("expected no profile yet, got %#v, %v", profile, err)
	}
	if _, err := service.SetStaff(ctx, "cy@x.com", true); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected profile not found, got %v", err)
	}

	if err := service.InsertProfile(ctx, Profile{ID: account.ID, Name: " Cy "}); err != nil {
		t.Fatalf("insert profile failed: %v", err)
	}
	if err := service.InsertProfile(ctx, Profile{ID: account.ID, Name: "Cy"}); !errors.Is(err, ErrProfileExists) {
		t.Fatalf("expected duplicate profile error, got %v", err)
	}

	profile, err := service.SetStaff(ctx, "CY@x.com", true)
	if err != nil {
		t.Fatalf("set staff failed: %v", err)
	}
	if !profile.IsStaff || profile.Name != "Cy" {
		t.Fatalf("unexpected profile %#v", profile)
	}
	if _, err := service.SetStaff(ctx, "ghost@x.com", true); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
}

func TestSessionRevocationAndExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, false, func() time.Time { return now })
	ctx := context.Background()

	if err := service.OpenSession(ctx, "jti-1", "user-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if active, err := service.SessionActive(ctx, "jti-1"); err != nil || !active {
		t.Fatalf("expected active session, got %v, %v", active, err)
	}
	if err := service.RevokeSession(ctx, "jti-1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if active, _ := service.SessionActive(ctx, "jti-1"); active {
		t.Fatalf("expected revoked session to be inactive")
	}
	if err := service.RevokeSession(ctx, "unknown"); err != nil {
		t.Fatalf("revoking unknown session must be a no-op: %v", err)
	}

	if err := service.OpenSession(ctx, "jti-2", "user-1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if active, _ := service.SessionActive(ctx, "jti-2"); active {
		t.Fatalf("expected expired session to be inactive")
	}
	if active, _ := service.SessionActive(ctx, "missing"); active {
		t.Fatalf("expected unknown session to be inactive")
	}
}
