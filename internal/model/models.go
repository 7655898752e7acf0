package model

import "time"

// Role is the closed set of roles known to the core. Display strings
// exist only at the presentation edge.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleEmployee   Role = "employee"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSupervisor, RoleEmployee:
		return true
	}
	return false
}

// DisplayName translates a role for UI consumption.
func (r Role) DisplayName() string {
	switch r {
	case RoleAdmin:
		return "Administrator"
	case RoleSupervisor:
		return "Supervisor"
	case RoleEmployee:
		return "Employee"
	}
	return string(r)
}

// RecoveryCodeEntry is one issued recovery code: the peppered hash plus
// a used flag. Each entry flips unused -> used exactly once.
type RecoveryCodeEntry struct {
	Hash string `json:"hash"`
	Salt string `json:"salt"`
	Used bool   `json:"used"`
}

// Account is the identity record. Exactly one of PasswordHash or the
// external-identity pair must be usable for login; both may coexist
// once linked. Accounts are deactivated, never hard-deleted.
type Account struct {
	AccountBucket    int                 `db:"account_bucket"`
	AccountID        string              `db:"account_id"`
	Email            string              `db:"email"`
	PasswordHash     string              `db:"password_hash"`
	IsActive         bool                `db:"is_active"`
	Role             Role                `db:"role"`
	OrganizationID   string              `db:"organization_id"` // empty for platform-level accounts
	ProfileID        string              `db:"profile_id"`      // operational profile, governs effective role
	ProfileRole      Role                `db:"profile_role"`
	ExternalProvider string              `db:"external_provider"`
	ExternalID       string              `db:"external_id"`
	TotpEnabled      bool                `db:"totp_enabled"`
	TotpSecretEnc    string              `db:"totp_secret_enc"` // envelope-encrypted, present while enabled or enrolling
	TotpSecretKeyID  string              `db:"totp_secret_key_id"`
	RecoveryCodes    []RecoveryCodeEntry `db:"recovery_codes"`
	CreatedAt        time.Time           `db:"created_at"`
	LastLoginAt      *time.Time          `db:"last_login_at"`
	UpdatedAt        *time.Time          `db:"updated_at"`
}

// EffectiveRole returns the role a session should carry: the linked
// operational profile's role when present, the stored role otherwise.
func (a *Account) EffectiveRole() Role {
	if a.ProfileID != "" && a.ProfileRole.Valid() {
		return a.ProfileRole
	}
	return a.Role
}

// HasCredential reports whether password login is possible at all.
func (a *Account) HasCredential() bool {
	return a.PasswordHash != ""
}

type Organization struct {
	OrganizationID string    `db:"organization_id"`
	Name           string    `db:"name"`
	Code           string    `db:"code"`
	BillingName    string    `db:"billing_name"`
	BillingEmail   string    `db:"billing_email"`
	CreatedAt      time.Time `db:"created_at"`
}

type Plan struct {
	PlanID         string  `db:"plan_id"`
	Name           string  `db:"name"`
	PriceCents     int64   `db:"price_cents"`
	Currency       string  `db:"currency"`
	TrialSupported bool    `db:"trial_supported"`
	IsActive       bool    `db:"is_active"`
}

// IsFree reports whether the plan activates without payment.
func (p *Plan) IsFree() bool {
	return p.PriceCents == 0
}

type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type Subscription struct {
	SubscriptionID string             `db:"subscription_id"`
	OrganizationID string             `db:"organization_id"`
	PlanID         string             `db:"plan_id"`
	Status         SubscriptionStatus `db:"status"`
	StartsAt       time.Time          `db:"starts_at"`
	EndsAt         time.Time          `db:"ends_at"`
	UpdatedAt      *time.Time         `db:"updated_at"`
}

// PaymentStatus is the normalized processor status. Only "paid" unlocks
// activation; every other processor state maps into the remainder.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentExpired  PaymentStatus = "expired"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentTransaction is one row per processor intent id. Created on
// first sight by either reconciliation path, updated in place after.
type PaymentTransaction struct {
	IntentID       string        `db:"intent_id"`
	AmountCents    int64         `db:"amount_cents"`
	Currency       string        `db:"currency"`
	Status         PaymentStatus `db:"status"`
	ProcessorPayID string        `db:"processor_pay_id"`
	FailureCode    string        `db:"failure_code"`
	FailureMessage string        `db:"failure_message"`
	OrganizationID string        `db:"organization_id"` // empty until the owning signup completes
	AccountID      string        `db:"account_id"`
	SubscriptionID string        `db:"subscription_id"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      *time.Time    `db:"updated_at"`
}

// SignupDraft is the full proposed signup payload, held under an opaque
// token until activation or expiry. The password arrives pre-hashed.
type SignupDraft struct {
	OrgName          string    `json:"org_name"`
	OrgCode          string    `json:"org_code"`
	AdminEmail       string    `json:"admin_email"`
	PasswordHash     string    `json:"password_hash,omitempty"`
	ExternalProvider string    `json:"external_provider,omitempty"`
	ExternalID       string    `json:"external_id,omitempty"`
	PlanID           string    `json:"plan_id"`
	BillingName      string    `json:"billing_name"`
	BillingEmail     string    `json:"billing_email"`
	CreatedAt        time.Time `json:"created_at"`
}
