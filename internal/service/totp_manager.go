package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

const (
	totpPeriod = 30
	totpSkew   = 1 // accept the adjacent step either side
)

// EnrollmentResult is handed back once at the start of enrollment. The
// secret never leaves the service again after confirmation.
type EnrollmentResult struct {
	Secret       string
	OtpauthURL   string
	QRCodePNG    string // base64-encoded PNG
}

// TotpManager owns second-factor enrollment and verification. Secrets
// are envelope-encrypted at rest; recovery codes are stored as peppered
// account-scoped hashes and each verifies at most once.
type TotpManager struct {
	accounts   scylla.AccountRepository
	encryption *encryption.Manager
	hasher     *hashing.Hasher
	audit      audit.Recorder

	totpIssuer string
	codeCount  int
	now        func() time.Time
}

func NewTotpManager(
	cfg *config.Config,
	accounts scylla.AccountRepository,
	encryptionManager *encryption.Manager,
	hasher *hashing.Hasher,
	recorder audit.Recorder,
) *TotpManager {
	return &TotpManager{
		accounts:   accounts,
		encryption: encryptionManager,
		hasher:     hasher,
		audit:      recorder,
		totpIssuer: cfg.Auth.TotpIssuer,
		codeCount:  cfg.Auth.RecoveryCodeCount,
		now:        time.Now,
	}
}

// BeginEnrollment generates a fresh secret for an account without an
// active second factor and stores it provisionally. Starting over
// replaces any earlier unconfirmed secret.
func (m *TotpManager) BeginEnrollment(ctx context.Context, account *model.Account) (*EnrollmentResult, error) {
	if account.TotpEnabled {
		return nil, ErrTotpAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.totpIssuer,
		AccountName: account.Email,
		SecretSize:  20,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	sealed, keyID, err := m.encryption.EncryptSecret(ctx, key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to seal totp secret: %w", err)
	}

	account.TotpEnabled = false
	account.TotpSecretEnc = sealed
	account.TotpSecretKeyID = keyID
	account.RecoveryCodes = nil
	if err := m.accounts.UpdateTotpState(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to store provisional secret: %w", err)
	}

	img, err := key.Image(256, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	m.record(audit.EventTotpEnrollment, account.AccountID, "started", "")

	return &EnrollmentResult{
		Secret:     key.Secret(),
		OtpauthURL: key.URL(),
		QRCodePNG:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// ConfirmEnrollment proves the authenticator was configured and flips
// the second factor on. Returns the plaintext recovery codes, shown to
// the user exactly once.
func (m *TotpManager) ConfirmEnrollment(ctx context.Context, account *model.Account, code string) ([]string, error) {
	if account.TotpEnabled {
		return nil, ErrTotpAlreadyEnabled
	}
	if account.TotpSecretEnc == "" {
		return nil, ErrTotpNotEnabled
	}

	if err := m.verifyCode(ctx, account, code); err != nil {
		m.record(audit.EventTotpEnrollment, account.AccountID, "confirm_failed", "")
		return nil, err
	}

	plainCodes, entries, err := m.generateRecoveryCodes(account.AccountID)
	if err != nil {
		return nil, err
	}

	account.TotpEnabled = true
	account.RecoveryCodes = entries
	if err := m.accounts.UpdateTotpState(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to enable second factor: %w", err)
	}

	m.record(audit.EventTotpEnrollment, account.AccountID, "confirmed", "")
	return plainCodes, nil
}

// VerifyLogin checks a current code for an account with the second
// factor enabled.
func (m *TotpManager) VerifyLogin(ctx context.Context, account *model.Account, code string) error {
	if !account.TotpEnabled {
		return ErrTotpNotEnabled
	}
	return m.verifyCode(ctx, account, code)
}

// VerifyRecovery consumes one unused recovery code. The used flag flips
// before success is reported, so the same code never verifies twice.
func (m *TotpManager) VerifyRecovery(ctx context.Context, account *model.Account, code string) error {
	if !account.TotpEnabled {
		return ErrTotpNotEnabled
	}

	normalized := util.NormalizeRecoveryCode(code)
	if normalized == "" {
		return ErrRecoveryCodeInvalidOrUsed
	}

	for i := range account.RecoveryCodes {
		entry := &account.RecoveryCodes[i]
		if entry.Used {
			continue
		}
		ok, err := m.hasher.VerifyRecoveryCode(normalized, account.AccountID,
			&hashing.HashedValue{Hash: entry.Hash, Salt: entry.Salt})
		if err != nil {
			util.Warn("Failed to verify recovery code entry",
				zap.String("account_id", account.AccountID),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		entry.Used = true
		if err := m.accounts.UpdateRecoveryCodes(ctx, account); err != nil {
			// The code is not burned if persistence failed; fail the
			// login rather than allow replay later.
			entry.Used = false
			return fmt.Errorf("failed to burn recovery code: %w", err)
		}

		m.record(audit.EventRecoveryCodeUse, account.AccountID, "success", "")
		return nil
	}

	m.record(audit.EventRecoveryCodeUse, account.AccountID, "failure", "")
	return ErrRecoveryCodeInvalidOrUsed
}

// Disable tears down the second factor completely: secret, flag and all
// remaining recovery codes go together.
func (m *TotpManager) Disable(ctx context.Context, account *model.Account, code string) error {
	if !account.TotpEnabled {
		return ErrTotpNotEnabled
	}
	if err := m.verifyCode(ctx, account, code); err != nil {
		m.record(audit.EventTotpDisable, account.AccountID, "failure", "")
		return err
	}

	account.TotpEnabled = false
	account.TotpSecretEnc = ""
	account.TotpSecretKeyID = ""
	account.RecoveryCodes = nil
	if err := m.accounts.UpdateTotpState(ctx, account); err != nil {
		return fmt.Errorf("failed to disable second factor: %w", err)
	}

	m.record(audit.EventTotpDisable, account.AccountID, "success", "")
	return nil
}

func (m *TotpManager) verifyCode(ctx context.Context, account *model.Account, code string) error {
	code = strings.TrimSpace(code)
	if !util.IsDigitCode(code, 6) {
		return ErrTotpCodeInvalid
	}

	secret, err := m.encryption.DecryptSecret(ctx, account.TotpSecretEnc)
	if err != nil {
		return fmt.Errorf("failed to open totp secret: %w", err)
	}

	valid, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return fmt.Errorf("failed to validate totp code: %w", err)
	}
	if !valid {
		return ErrTotpCodeInvalid
	}
	return nil
}

// generateRecoveryCodes mints codes like "3F2A-9B1C-D4E5-F607": 16
// upper-hex characters in four groups. Hashing happens over the
// normalized form (no dashes).
func (m *TotpManager) generateRecoveryCodes(accountID string) ([]string, []model.RecoveryCodeEntry, error) {
	plainCodes := make([]string, 0, m.codeCount)
	entries := make([]model.RecoveryCodeEntry, 0, m.codeCount)

	for i := 0; i < m.codeCount; i++ {
		raw := make([]byte, 8)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("failed to generate recovery code: %w", err)
		}
		normalized := strings.ToUpper(hex.EncodeToString(raw))

		hv, err := m.hasher.HashRecoveryCode(normalized, accountID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash recovery code: %w", err)
		}

		display := strings.Join([]string{
			normalized[0:4], normalized[4:8], normalized[8:12], normalized[12:16],
		}, "-")
		plainCodes = append(plainCodes, display)
		entries = append(entries, model.RecoveryCodeEntry{Hash: hv.Hash, Salt: hv.Salt})
	}

	return plainCodes, entries, nil
}

func (m *TotpManager) record(eventType, accountID, outcome, detail string) {
	m.audit.Record(context.Background(), audit.Event{
		EventType: eventType,
		AccountID: accountID,
		Outcome:   outcome,
		Detail:    detail,
	})
}
