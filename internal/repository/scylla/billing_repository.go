package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"identity-service/internal/model"
)

// BillingRepository persists organizations, plans, subscriptions and
// payment transactions. Conditional writes carry the concurrency
// guarantees: organization codes and transaction rows are claimed with
// IF NOT EXISTS, and subscription activation only applies while the
// row is still in trial.
type BillingRepository interface {
	CreateOrganization(ctx context.Context, org *model.Organization) error
	GetOrganizationByID(ctx context.Context, orgID string) (*model.Organization, error)
	OrganizationCodeExists(ctx context.Context, code string) (bool, error)
	UpdateOrganizationBilling(ctx context.Context, orgID, billingName, billingEmail string) error

	GetPlanByID(ctx context.Context, planID string) (*model.Plan, error)

	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscriptionByOrganization(ctx context.Context, orgID string) (*model.Subscription, error)
	ActivateSubscription(ctx context.Context, orgID string, endsAt, at time.Time) (bool, error)

	GetTransactionByIntent(ctx context.Context, intentID string) (*model.PaymentTransaction, error)
	InsertTransaction(ctx context.Context, txn *model.PaymentTransaction) (bool, error)
	UpdateTransaction(ctx context.Context, txn *model.PaymentTransaction, expectedUpdatedAt *time.Time) (bool, error)
}

type ScyllaBillingRepository struct {
	client *ScyllaClient
}

func NewScyllaBillingRepository(client *ScyllaClient) *ScyllaBillingRepository {
	return &ScyllaBillingRepository{client: client}
}

const (
	insertOrgCQL = `
        INSERT INTO organizations (organization_id, name, code, billing_name, billing_email, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	insertOrgCodeCQL = `
        INSERT INTO org_code_to_org (code, organization_id) VALUES (?, ?) IF NOT EXISTS`

	selectOrgCQL = `
        SELECT organization_id, name, code, billing_name, billing_email, created_at
        FROM organizations WHERE organization_id = ?`

	updateOrgBillingCQL = `
        UPDATE organizations SET billing_name = ?, billing_email = ?
        WHERE organization_id = ?`

	selectPlanCQL = `
        SELECT plan_id, name, price_cents, currency, trial_supported, is_active
        FROM plans WHERE plan_id = ?`

	insertSubscriptionCQL = `
        INSERT INTO subscriptions (organization_id, subscription_id, plan_id, status, starts_at, ends_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectSubscriptionCQL = `
        SELECT organization_id, subscription_id, plan_id, status, starts_at, ends_at, updated_at
        FROM subscriptions WHERE organization_id = ?`

	activateSubscriptionCQL = `
        UPDATE subscriptions SET status = ?, ends_at = ?, updated_at = ?
        WHERE organization_id = ? IF status = ?`

	insertTransactionCQL = `
        INSERT INTO payment_transactions (
            intent_id, amount_cents, currency, status, processor_pay_id,
            failure_code, failure_message, organization_id, account_id,
            subscription_id, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	selectTransactionCQL = `
        SELECT intent_id, amount_cents, currency, status, processor_pay_id,
               failure_code, failure_message, organization_id, account_id,
               subscription_id, created_at, updated_at
        FROM payment_transactions WHERE intent_id = ?`

	updateTransactionCQL = `
        UPDATE payment_transactions
        SET amount_cents = ?, currency = ?, status = ?, processor_pay_id = ?,
            failure_code = ?, failure_message = ?, organization_id = ?,
            account_id = ?, subscription_id = ?, updated_at = ?
        WHERE intent_id = ? IF updated_at = ?`
)

func (r *ScyllaBillingRepository) CreateOrganization(ctx context.Context, org *model.Organization) error {
	// A failed LWT returns every column of the existing row; MapScanCAS
	// absorbs them regardless of count.
	applied, err := r.client.Query(insertOrgCodeCQL, org.Code, org.OrganizationID).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim organization code: %w", err)
	}
	if !applied {
		return ErrAlreadyExists
	}

	err = r.client.Query(insertOrgCQL,
		org.OrganizationID, org.Name, org.Code,
		org.BillingName, org.BillingEmail, org.CreatedAt).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to insert organization: %w", err)
	}
	return nil
}

func (r *ScyllaBillingRepository) GetOrganizationByID(ctx context.Context, orgID string) (*model.Organization, error) {
	var org model.Organization
	err := r.client.Query(selectOrgCQL, orgID).WithContext(ctx).Scan(
		&org.OrganizationID, &org.Name, &org.Code,
		&org.BillingName, &org.BillingEmail, &org.CreatedAt)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch organization: %w", err)
	}
	return &org, nil
}

func (r *ScyllaBillingRepository) OrganizationCodeExists(ctx context.Context, code string) (bool, error) {
	var orgID string
	err := r.client.Query(`SELECT organization_id FROM org_code_to_org WHERE code = ?`, code).
		WithContext(ctx).Scan(&orgID)
	if err == gocql.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check organization code: %w", err)
	}
	return true, nil
}

func (r *ScyllaBillingRepository) UpdateOrganizationBilling(ctx context.Context, orgID, billingName, billingEmail string) error {
	err := r.client.Query(updateOrgBillingCQL, billingName, billingEmail, orgID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update organization billing contact: %w", err)
	}
	return nil
}

func (r *ScyllaBillingRepository) GetPlanByID(ctx context.Context, planID string) (*model.Plan, error) {
	var plan model.Plan
	err := r.client.Query(selectPlanCQL, planID).WithContext(ctx).Scan(
		&plan.PlanID, &plan.Name, &plan.PriceCents, &plan.Currency,
		&plan.TrialSupported, &plan.IsActive)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch plan: %w", err)
	}
	return &plan, nil
}

func (r *ScyllaBillingRepository) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	err := r.client.Query(insertSubscriptionCQL,
		sub.OrganizationID, sub.SubscriptionID, sub.PlanID,
		string(sub.Status), sub.StartsAt, sub.EndsAt, sub.UpdatedAt).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (r *ScyllaBillingRepository) GetSubscriptionByOrganization(ctx context.Context, orgID string) (*model.Subscription, error) {
	var sub model.Subscription
	var status string
	err := r.client.Query(selectSubscriptionCQL, orgID).WithContext(ctx).Scan(
		&sub.OrganizationID, &sub.SubscriptionID, &sub.PlanID,
		&status, &sub.StartsAt, &sub.EndsAt, &sub.UpdatedAt)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}
	sub.Status = model.SubscriptionStatus(status)
	return &sub, nil
}

// ActivateSubscription flips a trial subscription to active. The
// conditional update makes the transition one-shot: a second caller
// sees applied=false and leaves the row alone.
func (r *ScyllaBillingRepository) ActivateSubscription(ctx context.Context, orgID string, endsAt, at time.Time) (bool, error) {
	applied, err := r.client.Query(activateSubscriptionCQL,
		string(model.SubscriptionActive), endsAt, at,
		orgID, string(model.SubscriptionTrial)).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to activate subscription: %w", err)
	}
	return applied, nil
}

func (r *ScyllaBillingRepository) GetTransactionByIntent(ctx context.Context, intentID string) (*model.PaymentTransaction, error) {
	var txn model.PaymentTransaction
	var status string
	err := r.client.Query(selectTransactionCQL, intentID).WithContext(ctx).Scan(
		&txn.IntentID, &txn.AmountCents, &txn.Currency, &status,
		&txn.ProcessorPayID, &txn.FailureCode, &txn.FailureMessage,
		&txn.OrganizationID, &txn.AccountID, &txn.SubscriptionID,
		&txn.CreatedAt, &txn.UpdatedAt)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment transaction: %w", err)
	}
	txn.Status = model.PaymentStatus(status)
	return &txn, nil
}

// InsertTransaction claims the intent id row. applied=false means a
// racing writer got there first; callers fall back to UpdateTransaction.
func (r *ScyllaBillingRepository) InsertTransaction(ctx context.Context, txn *model.PaymentTransaction) (bool, error) {
	applied, err := r.client.Query(insertTransactionCQL,
		txn.IntentID, txn.AmountCents, txn.Currency, string(txn.Status),
		txn.ProcessorPayID, txn.FailureCode, txn.FailureMessage,
		txn.OrganizationID, txn.AccountID, txn.SubscriptionID,
		txn.CreatedAt, txn.UpdatedAt).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to insert payment transaction: %w", err)
	}
	return applied, nil
}

// UpdateTransaction writes the merged row only if updated_at still
// matches the snapshot the merge was computed from. applied=false means
// a concurrent writer landed in between; callers re-read and re-merge.
func (r *ScyllaBillingRepository) UpdateTransaction(ctx context.Context, txn *model.PaymentTransaction, expectedUpdatedAt *time.Time) (bool, error) {
	applied, err := r.client.Query(updateTransactionCQL,
		txn.AmountCents, txn.Currency, string(txn.Status), txn.ProcessorPayID,
		txn.FailureCode, txn.FailureMessage, txn.OrganizationID,
		txn.AccountID, txn.SubscriptionID, txn.UpdatedAt,
		txn.IntentID, expectedUpdatedAt).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to update payment transaction: %w", err)
	}
	return applied, nil
}
