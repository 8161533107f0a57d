package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL      = time.Hour
	defaultSessionIssuer = "eventboard"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the access token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// IssuedToken is a signed access token and the identifiers needed to track it.
type IssuedToken struct {
	Value     string
	ID        string
	ExpiresAt time.Time
	ExpiresIn int64
}

// TokenIssuer signs HS256 access tokens for authenticated accounts.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret: append([]byte(nil), cfg.SigningSecret...),
		issuer: issuer,
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// Issue signs a token for userID. Each token carries a fresh jti.
func (i *TokenIssuer) Issue(userID, email string) (IssuedToken, error) {
	if strings.TrimSpace(userID) == "" {
		return IssuedToken{}, errMissingSubjectClaim
	}
	tokenID, err := uuid.NewV7()
	if err != nil {
		return IssuedToken{}, err
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		UserID:    userID,
		UserEmail: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{
		Value:     signed,
		ID:        tokenID.String(),
		ExpiresAt: expiresAt,
		ExpiresIn: int64(i.ttl.Seconds()),
	}, nil
}
