package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// AccountRepository persists accounts and the lookup tables that make
// email and external identities unique across the cluster.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *model.Account) error
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	GetAccountByID(ctx context.Context, accountID string) (*model.Account, error)
	GetAccountByExternalIdentity(ctx context.Context, provider, externalID string) (*model.Account, error)
	UpdateTotpState(ctx context.Context, account *model.Account) error
	UpdateRecoveryCodes(ctx context.Context, account *model.Account) error
	UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error
	UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error
}

type ScyllaAccountRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.Manager
}

func NewScyllaAccountRepository(client *ScyllaClient, bucketing *bucketing.Manager) *ScyllaAccountRepository {
	return &ScyllaAccountRepository{
		client:    client,
		bucketing: bucketing,
	}
}

const (
	insertAccountCQL = `
        INSERT INTO accounts (
            account_bucket, account_id, email, password_hash, is_active, role,
            organization_id, profile_id, profile_role, external_provider, external_id,
            totp_enabled, totp_secret_enc, totp_secret_key_id, recovery_codes,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertEmailLookupCQL = `
        INSERT INTO email_to_account (email, account_bucket, account_id)
        VALUES (?, ?, ?) IF NOT EXISTS`

	insertExternalLookupCQL = `
        INSERT INTO external_to_account (provider, external_id, account_bucket, account_id)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`

	selectAccountCQL = `
        SELECT account_bucket, account_id, email, password_hash, is_active, role,
               organization_id, profile_id, profile_role, external_provider, external_id,
               totp_enabled, totp_secret_enc, totp_secret_key_id, recovery_codes,
               created_at, last_login_at, updated_at
        FROM accounts WHERE account_bucket = ? AND account_id = ?`

	selectEmailLookupCQL = `
        SELECT account_bucket, account_id FROM email_to_account WHERE email = ?`

	selectExternalLookupCQL = `
        SELECT account_bucket, account_id FROM external_to_account
        WHERE provider = ? AND external_id = ?`

	updateTotpStateCQL = `
        UPDATE accounts
        SET totp_enabled = ?, totp_secret_enc = ?, totp_secret_key_id = ?,
            recovery_codes = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`

	updateRecoveryCodesCQL = `
        UPDATE accounts SET recovery_codes = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`

	updatePasswordHashCQL = `
        UPDATE accounts SET password_hash = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`

	updateLastLoginCQL = `
        UPDATE accounts SET last_login_at = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`
)

// CreateAccount claims the email lookup row with an LWT first, so a
// concurrent signup for the same address loses cleanly before the
// account row is written.
func (r *ScyllaAccountRepository) CreateAccount(ctx context.Context, account *model.Account) error {
	account.AccountBucket = r.bucketing.AccountBucket(account.AccountID)

	// A losing LWT returns the full existing row; MapScanCAS absorbs
	// whatever columns come back.
	applied, err := r.client.Query(insertEmailLookupCQL,
		account.Email, account.AccountBucket, account.AccountID).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim email lookup: %w", err)
	}
	if !applied {
		return ErrAlreadyExists
	}

	if account.ExternalProvider != "" && account.ExternalID != "" {
		applied, err = r.client.Query(insertExternalLookupCQL,
			account.ExternalProvider, account.ExternalID,
			account.AccountBucket, account.AccountID).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return fmt.Errorf("failed to claim external identity lookup: %w", err)
		}
		if !applied {
			// Roll back the email claim so a retry can succeed.
			if delErr := r.client.Query(`DELETE FROM email_to_account WHERE email = ?`, account.Email).
				WithContext(ctx).Exec(); delErr != nil {
				util.Warn("Failed to roll back email lookup claim",
					zap.String("account_id", account.AccountID),
					zap.Error(delErr))
			}
			return ErrAlreadyExists
		}
	}

	codes, err := marshalRecoveryCodes(account.RecoveryCodes)
	if err != nil {
		return err
	}

	err = r.client.Query(insertAccountCQL,
		account.AccountBucket, account.AccountID, account.Email,
		account.PasswordHash, account.IsActive, string(account.Role),
		account.OrganizationID, account.ProfileID, string(account.ProfileRole),
		account.ExternalProvider, account.ExternalID,
		account.TotpEnabled, account.TotpSecretEnc, account.TotpSecretKeyID, codes,
		account.CreatedAt, account.UpdatedAt).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (r *ScyllaAccountRepository) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	var bucket int
	var accountID string
	err := r.client.Query(selectEmailLookupCQL, email).
		WithContext(ctx).Scan(&bucket, &accountID)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve email lookup: %w", err)
	}
	return r.getAccount(ctx, bucket, accountID)
}

func (r *ScyllaAccountRepository) GetAccountByID(ctx context.Context, accountID string) (*model.Account, error) {
	return r.getAccount(ctx, r.bucketing.AccountBucket(accountID), accountID)
}

func (r *ScyllaAccountRepository) GetAccountByExternalIdentity(ctx context.Context, provider, externalID string) (*model.Account, error) {
	var bucket int
	var accountID string
	err := r.client.Query(selectExternalLookupCQL, provider, externalID).
		WithContext(ctx).Scan(&bucket, &accountID)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve external identity lookup: %w", err)
	}
	return r.getAccount(ctx, bucket, accountID)
}

func (r *ScyllaAccountRepository) getAccount(ctx context.Context, bucket int, accountID string) (*model.Account, error) {
	var (
		account       model.Account
		role          string
		profileRole   string
		recoveryCodes string
		lastLoginAt   time.Time
	)

	err := r.client.Query(selectAccountCQL, bucket, accountID).
		WithContext(ctx).Scan(
		&account.AccountBucket, &account.AccountID, &account.Email,
		&account.PasswordHash, &account.IsActive, &role,
		&account.OrganizationID, &account.ProfileID, &profileRole,
		&account.ExternalProvider, &account.ExternalID,
		&account.TotpEnabled, &account.TotpSecretEnc, &account.TotpSecretKeyID,
		&recoveryCodes, &account.CreatedAt, &lastLoginAt, &account.UpdatedAt)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	account.Role = model.Role(role)
	account.ProfileRole = model.Role(profileRole)
	if !lastLoginAt.IsZero() {
		account.LastLoginAt = &lastLoginAt
	}
	if recoveryCodes != "" {
		if err := json.Unmarshal([]byte(recoveryCodes), &account.RecoveryCodes); err != nil {
			return nil, fmt.Errorf("failed to decode recovery codes: %w", err)
		}
	}
	return &account, nil
}

func (r *ScyllaAccountRepository) UpdateTotpState(ctx context.Context, account *model.Account) error {
	codes, err := marshalRecoveryCodes(account.RecoveryCodes)
	if err != nil {
		return err
	}
	err = r.client.Query(updateTotpStateCQL,
		account.TotpEnabled, account.TotpSecretEnc, account.TotpSecretKeyID,
		codes, time.Now().UTC(),
		r.bucketing.AccountBucket(account.AccountID), account.AccountID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update totp state: %w", err)
	}
	return nil
}

func (r *ScyllaAccountRepository) UpdateRecoveryCodes(ctx context.Context, account *model.Account) error {
	codes, err := marshalRecoveryCodes(account.RecoveryCodes)
	if err != nil {
		return err
	}
	err = r.client.Query(updateRecoveryCodesCQL,
		codes, time.Now().UTC(),
		r.bucketing.AccountBucket(account.AccountID), account.AccountID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update recovery codes: %w", err)
	}
	return nil
}

func (r *ScyllaAccountRepository) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error {
	err := r.client.Query(updatePasswordHashCQL,
		passwordHash, time.Now().UTC(),
		r.bucketing.AccountBucket(accountID), accountID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	return nil
}

func (r *ScyllaAccountRepository) UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error {
	err := r.client.Query(updateLastLoginCQL,
		at, at,
		r.bucketing.AccountBucket(accountID), accountID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func marshalRecoveryCodes(entries []model.RecoveryCodeEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery codes: %w", err)
	}
	return string(data), nil
}
