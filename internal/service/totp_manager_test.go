package service

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
)

func newTestTotpManager(t *testing.T, repo *fakeAccountRepo) *TotpManager {
	t.Helper()
	cfg := testConfig()
	return NewTotpManager(cfg, repo,
		encryption.NewManager(cfg, nil),
		hashing.NewHasher(cfg),
		&recorderStub{})
}

func codeFor(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func enrolledAccount(t *testing.T, m *TotpManager, repo *fakeAccountRepo) (*model.Account, string, []string) {
	t.Helper()
	ctx := context.Background()

	account := &model.Account{
		AccountID: "acct-totp",
		Email:     "totp@example.com",
		IsActive:  true,
	}
	repo.put(account)

	enrollment, err := m.BeginEnrollment(ctx, account)
	require.NoError(t, err)

	recoveryCodes, err := m.ConfirmEnrollment(ctx, account, codeFor(t, enrollment.Secret, m.now()))
	require.NoError(t, err)
	require.True(t, account.TotpEnabled)

	return account, enrollment.Secret, recoveryCodes
}

func TestBeginEnrollmentReturnsProvisioningMaterial(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)
	ctx := context.Background()

	account := &model.Account{AccountID: "acct-1", Email: "user@example.com"}
	repo.put(account)

	enrollment, err := m.BeginEnrollment(ctx, account)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.OtpauthURL, "otpauth://totp/")
	assert.NotEmpty(t, enrollment.QRCodePNG)

	// Provisional: stored but not yet enabled.
	stored, err := repo.GetAccountByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, stored.TotpEnabled)
	assert.NotEmpty(t, stored.TotpSecretEnc)
	assert.NotEqual(t, enrollment.Secret, stored.TotpSecretEnc)
}

func TestBeginEnrollmentRejectsEnabledAccount(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)

	account := &model.Account{AccountID: "acct-1", Email: "user@example.com", TotpEnabled: true}
	repo.put(account)

	_, err := m.BeginEnrollment(context.Background(), account)
	assert.ErrorIs(t, err, ErrTotpAlreadyEnabled)
}

func TestConfirmEnrollmentIssuesRecoveryCodesOnce(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)

	account, _, recoveryCodes := enrolledAccount(t, m, repo)

	require.Len(t, recoveryCodes, 10)
	for _, code := range recoveryCodes {
		assert.Regexp(t, `^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`, code)
	}

	// Only hashes reach storage.
	stored, err := repo.GetAccountByID(context.Background(), account.AccountID)
	require.NoError(t, err)
	require.Len(t, stored.RecoveryCodes, 10)
	for _, entry := range stored.RecoveryCodes {
		assert.False(t, entry.Used)
		assert.NotContains(t, recoveryCodes, entry.Hash)
	}
}

func TestVerifyLoginAcceptsAdjacentStep(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	account, secret, _ := enrolledAccount(t, m, repo)

	cases := []struct {
		name   string
		offset time.Duration
		valid  bool
	}{
		{"current step", 0, true},
		{"previous step", -30 * time.Second, true},
		{"next step", 30 * time.Second, true},
		{"two steps behind", -60 * time.Second, false},
		{"two steps ahead", 60 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := codeFor(t, secret, base.Add(tc.offset))
			err := m.VerifyLogin(ctx, account, code)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrTotpCodeInvalid)
			}
		})
	}
}

func TestVerifyLoginRejectsMalformedCodes(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)
	ctx := context.Background()

	account, _, _ := enrolledAccount(t, m, repo)

	for _, code := range []string{"", "12345", "1234567", "12345a", "abcdef"} {
		assert.ErrorIs(t, m.VerifyLogin(ctx, account, code), ErrTotpCodeInvalid)
	}
}

func TestVerifyRecoveryConsumesCodeExactlyOnce(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)
	ctx := context.Background()

	account, _, recoveryCodes := enrolledAccount(t, m, repo)

	// First use succeeds, dashes and case are forgiven.
	require.NoError(t, m.VerifyRecovery(ctx, account, recoveryCodes[0]))

	// Replay of the same code fails.
	assert.ErrorIs(t, m.VerifyRecovery(ctx, account, recoveryCodes[0]), ErrRecoveryCodeInvalidOrUsed)

	// A fresh copy of the account sees the burned flag too.
	fresh, err := repo.GetAccountByID(ctx, account.AccountID)
	require.NoError(t, err)
	assert.ErrorIs(t, m.VerifyRecovery(ctx, fresh, recoveryCodes[0]), ErrRecoveryCodeInvalidOrUsed)

	// The remaining codes are unaffected.
	assert.NoError(t, m.VerifyRecovery(ctx, fresh, recoveryCodes[1]))
}

func TestVerifyRecoveryNormalizesInput(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)
	ctx := context.Background()

	account, _, recoveryCodes := enrolledAccount(t, m, repo)

	lowered := "  " + stripDashesLower(recoveryCodes[0]) + "  "
	assert.NoError(t, m.VerifyRecovery(ctx, account, lowered))
}

func stripDashesLower(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		if code[i] == '-' {
			continue
		}
		c := code[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func TestVerifyRecoveryRejectsUnknownCode(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)

	account, _, _ := enrolledAccount(t, m, repo)

	err := m.VerifyRecovery(context.Background(), account, "0000-0000-0000-0000")
	assert.ErrorIs(t, err, ErrRecoveryCodeInvalidOrUsed)
}

func TestDisableWipesSecondFactorState(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)
	ctx := context.Background()

	account, secret, _ := enrolledAccount(t, m, repo)

	require.NoError(t, m.Disable(ctx, account, codeFor(t, secret, m.now())))

	stored, err := repo.GetAccountByID(ctx, account.AccountID)
	require.NoError(t, err)
	assert.False(t, stored.TotpEnabled)
	assert.Empty(t, stored.TotpSecretEnc)
	assert.Empty(t, stored.RecoveryCodes)

	// Everything second-factor related now refuses to run.
	assert.ErrorIs(t, m.VerifyLogin(ctx, stored, "123456"), ErrTotpNotEnabled)
	assert.ErrorIs(t, m.VerifyRecovery(ctx, stored, "0000-0000-0000-0000"), ErrTotpNotEnabled)
}

func TestDisableRequiresValidCode(t *testing.T) {
	repo := newFakeAccountRepo()
	m := newTestTotpManager(t, repo)

	account, _, _ := enrolledAccount(t, m, repo)

	err := m.Disable(context.Background(), account, "000000")
	assert.ErrorIs(t, err, ErrTotpCodeInvalid)
	assert.True(t, account.TotpEnabled)
}
