package token

import (
	"errors"
	"fmt"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken covers malformed, expired and wrong-purpose
	// tokens uniformly so callers cannot distinguish the cases.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrSigningUnavailable means the signing secret is not configured.
	// Every mint and validate fails until it is; the process stays up.
	ErrSigningUnavailable = errors.New("token signing secret not configured")
)

const (
	PurposeSession    = "session"
	PurposeOnboarding = "onboarding"
	PurposeTotp       = "totp-pending"
)

// SessionClaims carries the authenticated principal. The role appears
// under two claim names: "role" for our own middleware and "user_role"
// for the legacy authorization checks.
type SessionClaims struct {
	OrgID    string `json:"org_id,omitempty"`
	Role     string `json:"role"`
	UserRole string `json:"user_role"`
	Purpose  string `json:"purpose"`
	jwt.RegisteredClaims
}

// OnboardingClaims bridges plan selection to billing confirmation
// without granting a session.
type OnboardingClaims struct {
	OrgID     string `json:"org_id"`
	Role      string `json:"role"`
	PlanID    string `json:"plan_id"`
	PlanName  string `json:"plan_name"`
	FreeTrial bool   `json:"free_trial"`
	Purpose   string `json:"purpose"`
	jwt.RegisteredClaims
}

// TotpClaims bridges "password verified" to "second factor verified".
type TotpClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Issuer mints and validates the three token kinds. A token minted for
// one purpose is rejected by every other purpose's validator.
type Issuer struct {
	secret        []byte
	issuer        string
	audience      string
	sessionTTL    time.Duration
	onboardingTTL time.Duration
	totpTTL       time.Duration
	now           func() time.Time
}

func NewIssuer(cfg *config.Config) *Issuer {
	return &Issuer{
		secret:        []byte(cfg.Auth.JWTSecret),
		issuer:        cfg.Auth.JWTIssuer,
		audience:      cfg.Auth.JWTAudience,
		sessionTTL:    cfg.Auth.SessionTTL,
		onboardingTTL: cfg.Auth.OnboardingTTL,
		totpTTL:       cfg.Auth.TotpIntentTTL,
		now:           time.Now,
	}
}

func (i *Issuer) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.New().String(),
	}
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrSigningUnavailable
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) parse(tokenStr string, claims jwt.Claims) error {
	if len(i.secret) == 0 {
		return ErrSigningUnavailable
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// MintSession issues the long-lived bearer token. The effective role
// may differ from the stored one when a linked profile governs it.
func (i *Issuer) MintSession(account *model.Account, effectiveRole model.Role) (string, error) {
	return i.sign(&SessionClaims{
		OrgID:            account.OrganizationID,
		Role:             string(effectiveRole),
		UserRole:         string(effectiveRole),
		Purpose:          PurposeSession,
		RegisteredClaims: i.registered(account.AccountID, i.sessionTTL),
	})
}

func (i *Issuer) ValidateSession(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := i.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeSession {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MintOnboardingIntent issues the short-lived billing-step token.
func (i *Issuer) MintOnboardingIntent(accountID, orgID string, role model.Role, planID, planName string, freeTrial bool) (string, error) {
	return i.sign(&OnboardingClaims{
		OrgID:            orgID,
		Role:             string(role),
		PlanID:           planID,
		PlanName:         planName,
		FreeTrial:        freeTrial,
		Purpose:          PurposeOnboarding,
		RegisteredClaims: i.registered(accountID, i.onboardingTTL),
	})
}

func (i *Issuer) ValidateOnboardingIntent(tokenStr string) (*OnboardingClaims, error) {
	claims := &OnboardingClaims{}
	if err := i.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeOnboarding {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MintTotpIntent issues the very short-lived second-factor bridge.
func (i *Issuer) MintTotpIntent(accountID string) (string, error) {
	return i.sign(&TotpClaims{
		Purpose:          PurposeTotp,
		RegisteredClaims: i.registered(accountID, i.totpTTL),
	})
}

func (i *Issuer) ValidateTotpIntent(tokenStr string) (*TotpClaims, error) {
	claims := &TotpClaims{}
	if err := i.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeTotp {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
