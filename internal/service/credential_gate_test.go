package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/store"
	"identity-service/internal/token"
)

type gateFixture struct {
	gate     *CredentialGate
	repo     *fakeAccountRepo
	counter  *store.MemoryCounter
	captcha  *fakeCaptcha
	hasher   *hashing.Hasher
	issuer   *token.Issuer
	mailer   *mailerStub
	recorder *recorderStub
}

func newGateFixture(t *testing.T, mutate func(cfg *config.Config)) *gateFixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	f := &gateFixture{
		repo:     newFakeAccountRepo(),
		counter:  store.NewMemoryCounter(),
		captcha:  &fakeCaptcha{approve: true},
		hasher:   hashing.NewHasher(cfg),
		issuer:   token.NewIssuer(cfg),
		mailer:   &mailerStub{},
		recorder: &recorderStub{},
	}
	t.Cleanup(f.counter.Close)

	f.gate = NewCredentialGate(cfg, f.repo, f.counter, f.captcha,
		f.hasher, f.issuer, f.recorder, f.mailer, bucketing.NewManager(cfg))
	return f
}

func (f *gateFixture) seedAccount(t *testing.T, email, password string) *model.Account {
	t.Helper()
	hashed, err := f.hasher.HashPassword(password)
	require.NoError(t, err)

	account := &model.Account{
		AccountID:      "acct-" + email,
		Email:          email,
		PasswordHash:   hashed,
		IsActive:       true,
		Role:           model.RoleAdmin,
		OrganizationID: "org-1",
	}
	f.repo.put(account)
	return account
}

func TestVerifyLoginSuccess(t *testing.T) {
	f := newGateFixture(t, nil)
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")

	result, err := f.gate.VerifyLogin(context.Background(),
		"Admin@Example.com ", "correct-horse-battery", "", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, result.TotpRequired)
	assert.Equal(t, model.RoleAdmin, result.Role)
	assert.Equal(t, "Administrator", result.RoleDisplay)
	assert.Equal(t, "org-1", result.OrganizationID)

	claims, err := f.issuer.ValidateSession(result.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, result.AccountID, claims.Subject)
}

// Unknown email, wrong password, deactivated account and external-only
// account all surface the same error.
func TestVerifyLoginFailureModesAreIndistinguishable(t *testing.T) {
	f := newGateFixture(t, nil)
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")

	inactive := f.seedAccount(t, "gone@example.com", "correct-horse-battery")
	inactive.IsActive = false
	f.repo.put(inactive)

	f.repo.put(&model.Account{
		AccountID:        "acct-ext",
		Email:            "sso@example.com",
		IsActive:         true,
		ExternalProvider: "google",
		ExternalID:       "g-123",
	})

	ctx := context.Background()
	cases := []struct{ name, email, password string }{
		{"unknown email", "nobody@example.com", "whatever"},
		{"wrong password", "admin@example.com", "not-the-password"},
		{"inactive account", "gone@example.com", "correct-horse-battery"},
		{"external-only account", "sso@example.com", "anything"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.gate.VerifyLogin(ctx, tc.email, tc.password, "", "10.0.0.1")
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestCaptchaRequiredAfterThreshold(t *testing.T) {
	f := newGateFixture(t, nil)
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	ctx := context.Background()

	assert.False(t, f.gate.IsCaptchaRequired(ctx, "10.0.0.1"))

	for i := 0; i < 3; i++ {
		_, err := f.gate.VerifyLogin(ctx, "admin@example.com", "wrong", "", "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	}
	assert.True(t, f.gate.IsCaptchaRequired(ctx, "10.0.0.1"))

	// A different client is unaffected.
	assert.False(t, f.gate.IsCaptchaRequired(ctx, "10.0.0.2"))

	// Past the threshold, a login without a captcha token is refused
	// before credentials are even looked at.
	_, err := f.gate.VerifyLogin(ctx, "admin@example.com", "correct-horse-battery", "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrCaptchaRequired)

	// With an approved token the login goes through and the throttle
	// clears.
	result, err := f.gate.VerifyLogin(ctx, "admin@example.com", "correct-horse-battery", "captcha-token", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionToken)
	assert.False(t, f.gate.IsCaptchaRequired(ctx, "10.0.0.1"))
}

func TestCaptchaWindowElapses(t *testing.T) {
	f := newGateFixture(t, func(cfg *config.Config) {
		cfg.Auth.LoginWindow = 30 * time.Millisecond
	})
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.gate.VerifyLogin(ctx, "admin@example.com", "wrong", "", "10.0.0.1")
	}
	require.True(t, f.gate.IsCaptchaRequired(ctx, "10.0.0.1"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.gate.IsCaptchaRequired(ctx, "10.0.0.1"))
}

func TestCaptchaRejectedToken(t *testing.T) {
	f := newGateFixture(t, nil)
	f.captcha.approve = false
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.gate.VerifyLogin(ctx, "admin@example.com", "wrong", "", "10.0.0.1")
	}

	_, err := f.gate.VerifyLogin(ctx, "admin@example.com", "correct-horse-battery", "bad-token", "10.0.0.1")
	assert.ErrorIs(t, err, ErrCaptchaFailed)
}

// Rejected or missing captcha tokens count as attempts, so a client
// hammering the gate cannot wait out the window between submissions.
func TestCaptchaRejectionsKeepWindowArmed(t *testing.T) {
	f := newGateFixture(t, nil)
	f.captcha.approve = false
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.gate.VerifyLogin(ctx, "admin@example.com", "wrong", "", "10.0.0.1")
	}
	require.True(t, f.gate.IsCaptchaRequired(ctx, "10.0.0.1"))

	for i := 0; i < 3; i++ {
		_, err := f.gate.VerifyLogin(ctx, "admin@example.com", "correct-horse-battery", "", "10.0.0.1")
		assert.ErrorIs(t, err, ErrCaptchaRequired)
	}
	for i := 0; i < 2; i++ {
		_, err := f.gate.VerifyLogin(ctx, "admin@example.com", "correct-horse-battery", "bad-token", "10.0.0.1")
		assert.ErrorIs(t, err, ErrCaptchaFailed)
	}

	count, err := f.counter.Count(ctx, f.gate.loginCounterKey("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, 8, count)
}

// An unreachable captcha provider fails closed once the gate is armed.
func TestCaptchaProviderOutageFailsClosed(t *testing.T) {
	f := newGateFixture(t, nil)
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.gate.VerifyLogin(ctx, "admin@example.com", "wrong", "", "10.0.0.1")
	}

	f.captcha.unreachable = true
	_, err := f.gate.VerifyLogin(ctx, "admin@example.com", "correct-horse-battery", "captcha-token", "10.0.0.1")
	assert.ErrorIs(t, err, ErrCaptchaFailed)
}

func TestVerifyLoginWithTotpEnabledReturnsIntent(t *testing.T) {
	f := newGateFixture(t, nil)
	account := f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	account.TotpEnabled = true
	f.repo.put(account)

	result, err := f.gate.VerifyLogin(context.Background(),
		"admin@example.com", "correct-horse-battery", "", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, result.TotpRequired)
	assert.Empty(t, result.SessionToken)

	claims, err := f.issuer.ValidateTotpIntent(result.TotpIntentToken)
	require.NoError(t, err)
	assert.Equal(t, account.AccountID, claims.Subject)

	// The bridge token does not pass as a session.
	_, err = f.issuer.ValidateSession(result.TotpIntentToken)
	assert.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestCompleteLoginUsesProfileRole(t *testing.T) {
	f := newGateFixture(t, nil)
	account := f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	account.ProfileID = "profile-7"
	account.ProfileRole = model.RoleSupervisor
	f.repo.put(account)

	result, err := f.gate.CompleteLogin(context.Background(), account, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleSupervisor, result.Role)

	stored, err := f.repo.GetAccountByID(context.Background(), account.AccountID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestRequestPasswordResetSendsForKnownEmailOnly(t *testing.T) {
	f := newGateFixture(t, nil)
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	ctx := context.Background()

	require.NoError(t, f.gate.RequestPasswordReset(ctx, "admin@example.com", "10.0.0.1"))
	require.NoError(t, f.gate.RequestPasswordReset(ctx, "nobody@example.com", "10.0.0.2"))

	require.Eventually(t, func() bool {
		f.mailer.mu.Lock()
		defer f.mailer.mu.Unlock()
		return len(f.mailer.sent) == 1
	}, time.Second, 10*time.Millisecond)

	f.mailer.mu.Lock()
	defer f.mailer.mu.Unlock()
	assert.Equal(t, []string{"admin@example.com"}, f.mailer.sent)
}

func TestRequestPasswordResetThrottles(t *testing.T) {
	f := newGateFixture(t, nil)
	f.seedAccount(t, "admin@example.com", "correct-horse-battery")
	ctx := context.Background()

	// Threshold is 3; the extra requests are silently dropped.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.gate.RequestPasswordReset(ctx, "admin@example.com", "10.0.0.1"))
	}

	require.Eventually(t, func() bool {
		f.mailer.mu.Lock()
		defer f.mailer.mu.Unlock()
		return len(f.mailer.sent) == 3
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	f.mailer.mu.Lock()
	defer f.mailer.mu.Unlock()
	assert.Len(t, f.mailer.sent, 3)
}
