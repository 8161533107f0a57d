package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func newTestPair(t *testing.T, clock func() time.Time) (*TokenIssuer, *SessionValidator) {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestIssuedTokensValidate(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, func() time.Time { return clockNow })

	first, err := issuer.Issue(testSessionUserID, testSessionUserEmail)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	second, err := issuer.Issue(testSessionUserID, testSessionUserEmail)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected unique token ids, got %q and %q", first.ID, second.ID)
	}
	if first.ExpiresIn != 1800 || !first.ExpiresAt.Equal(clockNow.Add(30*time.Minute)) {
		t.Fatalf("unexpected expiry %#v", first)
	}

	claims, err := validator.ValidateToken(first.Value)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserEmail != testSessionUserEmail || claims.ID != first.ID {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestTokenIssuerRejectsMissingInput(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	issuer, _ := newTestPair(t, nil)
	if _, err := issuer.Issue("  ", testSessionUserEmail); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestSessionValidatorRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestPair(t, func() time.Time { return clockNow.Add(-2 * time.Hour) })
	_, validator := newTestPair(t, func() time.Time { return clockNow })

	token, err := issuer.Issue(testSessionUserID, testSessionUserEmail)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := validator.ValidateToken(token.Value); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuer(t *testing.T) {
	_, validator := newTestPair(t, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesBearerHeader(t *testing.T) {
	issuer, validator := newTestPair(t, nil)
	token, err := issuer.Issue(testSessionUserID, testSessionUserEmail)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/auth/v1/user", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token.Value)
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}

	missing := httptest.NewRequest(http.MethodGet, "/auth/v1/user", http.NoBody)
	if _, err := validator.ValidateRequest(missing); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "Bearer   ", ok: false},
		{header: "Basic abc", ok: false},
		{header: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("BearerToken(%q) = %q, %v", tt.header, got, ok)
		}
	}
}
