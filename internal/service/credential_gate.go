package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/mail"
	"identity-service/internal/model"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/store"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// LoginResult is the outcome of a successful password check. When the
// account has a second factor enrolled, SessionToken is empty and
// TotpIntentToken carries the short-lived bridge instead.
type LoginResult struct {
	SessionToken    string
	TotpIntentToken string
	TotpRequired    bool
	AccountID       string
	Role            model.Role
	RoleDisplay     string
	OrganizationID  string
}

// CredentialGate is the password front door: credential verification,
// per-client attempt throttling with captcha escalation, and the
// throttled forgot-password entry point.
type CredentialGate struct {
	accounts  scylla.AccountRepository
	counters  store.Counter
	captcha   client.CaptchaVerifier
	hasher    *hashing.Hasher
	issuer    *token.Issuer
	audit     audit.Recorder
	mailer    mail.Mailer
	bucketing *bucketing.Manager

	loginWindow    time.Duration
	loginThreshold int
	resetWindow    time.Duration
	resetThreshold int
}

func NewCredentialGate(
	cfg *config.Config,
	accounts scylla.AccountRepository,
	counters store.Counter,
	captcha client.CaptchaVerifier,
	hasher *hashing.Hasher,
	issuer *token.Issuer,
	recorder audit.Recorder,
	mailer mail.Mailer,
	bucketingManager *bucketing.Manager,
) *CredentialGate {
	return &CredentialGate{
		accounts:       accounts,
		counters:       counters,
		captcha:        captcha,
		hasher:         hasher,
		issuer:         issuer,
		audit:          recorder,
		mailer:         mailer,
		bucketing:      bucketingManager,
		loginWindow:    cfg.Auth.LoginWindow,
		loginThreshold: cfg.Auth.LoginThreshold,
		resetWindow:    cfg.Auth.ResetWindow,
		resetThreshold: cfg.Auth.ResetThreshold,
	}
}

// Counter keys carry an event bucket prefix so hot clients spread
// across shards of the backing store.
func (g *CredentialGate) loginCounterKey(clientID string) string {
	return fmt.Sprintf("login:%d:%s", g.bucketing.EventBucket(clientID), clientID)
}

func (g *CredentialGate) resetCounterKey(clientID string) string {
	return fmt.Sprintf("reset:%d:%s", g.bucketing.EventBucket(clientID), clientID)
}

// IsCaptchaRequired reports whether the client has crossed the failed
// login threshold inside the current window. Counter backend failures
// degrade to "not required": a broken throttle store must not lock out
// every login.
func (g *CredentialGate) IsCaptchaRequired(ctx context.Context, clientID string) bool {
	count, err := g.counters.Count(ctx, g.loginCounterKey(clientID))
	if err != nil {
		util.Warn("Failed to read login attempt counter",
			zap.String("client_id", clientID),
			zap.Error(err))
		return false
	}
	return count >= g.loginThreshold
}

// VerifyLogin checks an email/password pair. All failure modes that
// reveal account existence collapse into ErrInvalidCredential; the
// captcha gate fails closed when the provider is unreachable.
func (g *CredentialGate) VerifyLogin(ctx context.Context, email, password, captchaToken, clientID string) (*LoginResult, error) {
	email = util.NormalizeEmail(email)

	if g.IsCaptchaRequired(ctx, clientID) {
		ok, err := g.captcha.Verify(ctx, captchaToken, clientID)
		if err != nil {
			g.record(audit.EventLogin, "", clientID, "captcha_unavailable", "")
			return nil, ErrCaptchaFailed
		}
		if !ok {
			// A missing or rejected token still counts as an attempt,
			// so the window keeps sliding while a client hammers the
			// gate instead of expiring mid-attack.
			g.bumpLoginCounter(ctx, clientID)
			g.record(audit.EventLogin, "", clientID, "captcha_rejected", "")
			if captchaToken == "" {
				return nil, ErrCaptchaRequired
			}
			return nil, ErrCaptchaFailed
		}
	}

	account, err := g.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, g.fail(ctx, "", clientID, "unknown_email")
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	if !account.IsActive {
		return nil, g.fail(ctx, account.AccountID, clientID, "inactive_account")
	}
	if !account.HasCredential() {
		// External-identity account without a password set.
		return nil, g.fail(ctx, account.AccountID, clientID, "no_password_credential")
	}

	ok, err := g.hasher.VerifyPassword(password, account.PasswordHash)
	if err != nil {
		util.Error("Failed to verify password hash",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return nil, g.fail(ctx, account.AccountID, clientID, "hash_error")
	}
	if !ok {
		return nil, g.fail(ctx, account.AccountID, clientID, "wrong_password")
	}

	// Success clears the throttle for this client.
	if err := g.counters.Reset(ctx, g.loginCounterKey(clientID)); err != nil {
		util.Warn("Failed to reset login attempt counter",
			zap.String("client_id", clientID),
			zap.Error(err))
	}

	if account.TotpEnabled {
		intentToken, err := g.issuer.MintTotpIntent(account.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to mint totp intent: %w", err)
		}
		g.record(audit.EventLogin, account.AccountID, clientID, "password_ok_totp_pending", "")
		return &LoginResult{
			TotpIntentToken: intentToken,
			TotpRequired:    true,
			AccountID:       account.AccountID,
		}, nil
	}

	return g.CompleteLogin(ctx, account, clientID)
}

// CompleteLogin mints the session for a fully verified account and
// stamps last login. Shared by the password-only path and the
// second-factor paths.
func (g *CredentialGate) CompleteLogin(ctx context.Context, account *model.Account, clientID string) (*LoginResult, error) {
	role := account.EffectiveRole()
	sessionToken, err := g.issuer.MintSession(account, role)
	if err != nil {
		return nil, fmt.Errorf("failed to mint session: %w", err)
	}

	if err := g.accounts.UpdateLastLogin(ctx, account.AccountID, time.Now().UTC()); err != nil {
		util.Warn("Failed to stamp last login",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	g.record(audit.EventLogin, account.AccountID, clientID, "success", "")

	return &LoginResult{
		SessionToken:   sessionToken,
		AccountID:      account.AccountID,
		Role:           role,
		RoleDisplay:    role.DisplayName(),
		OrganizationID: account.OrganizationID,
	}, nil
}

// GetAccount resolves an account by id for the second-factor services.
func (g *CredentialGate) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := g.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	return account, nil
}

// RequestPasswordReset always responds identically whether or not the
// email maps to an account. Requests beyond the per-client threshold
// are silently dropped.
func (g *CredentialGate) RequestPasswordReset(ctx context.Context, email, clientID string) error {
	email = util.NormalizeEmail(email)

	count, err := g.counters.Increment(ctx, g.resetCounterKey(clientID), g.resetWindow)
	if err != nil {
		util.Warn("Failed to bump reset attempt counter",
			zap.String("client_id", clientID),
			zap.Error(err))
	} else if count > g.resetThreshold {
		g.record(audit.EventPasswordResetRequest, "", clientID, "throttled", "")
		return nil
	}

	account, err := g.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, scylla.ErrNotFound) {
			util.Warn("Failed to look up account for reset", zap.Error(err))
		}
		g.record(audit.EventPasswordResetRequest, "", clientID, "unknown_email", "")
		return nil
	}

	g.record(audit.EventPasswordResetRequest, account.AccountID, clientID, "sent", "")
	mail.SendAsync(g.mailer, account.Email,
		"Password reset requested",
		"A password reset was requested for your account. If this was not you, no action is needed.")
	return nil
}

func (g *CredentialGate) fail(ctx context.Context, accountID, clientID, reason string) error {
	g.bumpLoginCounter(ctx, clientID)
	g.record(audit.EventLogin, accountID, clientID, "failure", reason)
	return ErrInvalidCredential
}

func (g *CredentialGate) bumpLoginCounter(ctx context.Context, clientID string) {
	if _, err := g.counters.Increment(ctx, g.loginCounterKey(clientID), g.loginWindow); err != nil {
		util.Warn("Failed to bump login attempt counter",
			zap.String("client_id", clientID),
			zap.Error(err))
	}
}

func (g *CredentialGate) record(eventType, accountID, clientID, outcome, detail string) {
	g.audit.Record(context.Background(), audit.Event{
		EventType: eventType,
		AccountID: accountID,
		ClientID:  clientID,
		Outcome:   outcome,
		Detail:    detail,
	})
}
