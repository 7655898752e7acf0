package service

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/repository/scylla"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Bucketing: config.BucketingConfig{
			AccountBuckets: 64,
			EventBuckets:   16,
		},
		Auth: config.AuthConfig{
			JWTSecret:         "test-signing-secret",
			JWTIssuer:         "identity-service",
			JWTAudience:       "identity-clients",
			SessionTTL:        2 * time.Hour,
			OnboardingTTL:     15 * time.Minute,
			TotpIntentTTL:     5 * time.Minute,
			TotpIssuer:        "IdentityService",
			RecoveryPepper:    "test-pepper",
			RecoveryCodeCount: 10,
			LoginWindow:       15 * time.Minute,
			LoginThreshold:    3,
			ResetWindow:       5 * time.Minute,
			ResetThreshold:    3,
		},
		Billing: config.BillingConfig{
			WebhookSecret: "test-webhook-secret",
			TrialDuration: 7 * 24 * time.Hour,
		},
	}
}

// fakeAccountRepo is an in-memory AccountRepository.
type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	byEmail  map[string]string
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		accounts: make(map[string]*model.Account),
		byEmail:  make(map[string]string),
	}
}

func (r *fakeAccountRepo) put(account *model.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *account
	r.accounts[account.AccountID] = &cp
	r.byEmail[account.Email] = account.AccountID
}

func (r *fakeAccountRepo) CreateAccount(_ context.Context, account *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEmail[account.Email]; exists {
		return scylla.ErrAlreadyExists
	}
	cp := *account
	r.accounts[account.AccountID] = &cp
	r.byEmail[account.Email] = account.AccountID
	return nil
}

func (r *fakeAccountRepo) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *r.accounts[id]
	return &cp, nil
}

func (r *fakeAccountRepo) GetAccountByID(_ context.Context, accountID string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *account
	return &cp, nil
}

func (r *fakeAccountRepo) GetAccountByExternalIdentity(_ context.Context, provider, externalID string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, account := range r.accounts {
		if account.ExternalProvider == provider && account.ExternalID == externalID {
			cp := *account
			return &cp, nil
		}
	}
	return nil, scylla.ErrNotFound
}

func (r *fakeAccountRepo) UpdateTotpState(_ context.Context, account *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[account.AccountID]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.TotpEnabled = account.TotpEnabled
	stored.TotpSecretEnc = account.TotpSecretEnc
	stored.TotpSecretKeyID = account.TotpSecretKeyID
	stored.RecoveryCodes = append([]model.RecoveryCodeEntry(nil), account.RecoveryCodes...)
	return nil
}

func (r *fakeAccountRepo) UpdateRecoveryCodes(_ context.Context, account *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[account.AccountID]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.RecoveryCodes = append([]model.RecoveryCodeEntry(nil), account.RecoveryCodes...)
	return nil
}

func (r *fakeAccountRepo) UpdatePasswordHash(_ context.Context, accountID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.PasswordHash = passwordHash
	return nil
}

func (r *fakeAccountRepo) UpdateLastLogin(_ context.Context, accountID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.LastLoginAt = &at
	return nil
}

// fakeBillingRepo mimics the conditional-write semantics of the real
// repository: code claims and transaction inserts apply at most once,
// activation only applies while the subscription is in trial, and
// transaction updates apply only against an unchanged updated_at.
type fakeBillingRepo struct {
	mu            sync.Mutex
	orgs          map[string]*model.Organization
	orgCodes      map[string]string
	plans         map[string]*model.Plan
	subscriptions map[string]*model.Subscription // by org id
	transactions  map[string]*model.PaymentTransaction

	// beforeUpdate, when set, runs once at the top of the next
	// UpdateTransaction call. Tests use it to slip a concurrent write
	// between a caller's read and its conditional update.
	beforeUpdate func()
}

func newFakeBillingRepo() *fakeBillingRepo {
	return &fakeBillingRepo{
		orgs:          make(map[string]*model.Organization),
		orgCodes:      make(map[string]string),
		plans:         make(map[string]*model.Plan),
		subscriptions: make(map[string]*model.Subscription),
		transactions:  make(map[string]*model.PaymentTransaction),
	}
}

func (r *fakeBillingRepo) putPlan(plan *model.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *plan
	r.plans[plan.PlanID] = &cp
}

func (r *fakeBillingRepo) CreateOrganization(_ context.Context, org *model.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orgCodes[org.Code]; exists {
		return scylla.ErrAlreadyExists
	}
	cp := *org
	r.orgs[org.OrganizationID] = &cp
	r.orgCodes[org.Code] = org.OrganizationID
	return nil
}

func (r *fakeBillingRepo) GetOrganizationByID(_ context.Context, orgID string) (*model.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	org, ok := r.orgs[orgID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (r *fakeBillingRepo) OrganizationCodeExists(_ context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.orgCodes[code]
	return exists, nil
}

func (r *fakeBillingRepo) UpdateOrganizationBilling(_ context.Context, orgID, billingName, billingEmail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	org, ok := r.orgs[orgID]
	if !ok {
		return scylla.ErrNotFound
	}
	org.BillingName = billingName
	org.BillingEmail = billingEmail
	return nil
}

func (r *fakeBillingRepo) GetPlanByID(_ context.Context, planID string) (*model.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *plan
	return &cp, nil
}

func (r *fakeBillingRepo) CreateSubscription(_ context.Context, sub *model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subscriptions[sub.OrganizationID] = &cp
	return nil
}

func (r *fakeBillingRepo) GetSubscriptionByOrganization(_ context.Context, orgID string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[orgID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeBillingRepo) ActivateSubscription(_ context.Context, orgID string, endsAt, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[orgID]
	if !ok {
		return false, nil
	}
	if sub.Status != model.SubscriptionTrial {
		return false, nil
	}
	sub.Status = model.SubscriptionActive
	sub.EndsAt = endsAt
	sub.UpdatedAt = &at
	return true, nil
}

func (r *fakeBillingRepo) GetTransactionByIntent(_ context.Context, intentID string) (*model.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.transactions[intentID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (r *fakeBillingRepo) InsertTransaction(_ context.Context, txn *model.PaymentTransaction) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transactions[txn.IntentID]; exists {
		return false, nil
	}
	cp := *txn
	r.transactions[txn.IntentID] = &cp
	return true, nil
}

func (r *fakeBillingRepo) UpdateTransaction(_ context.Context, txn *model.PaymentTransaction, expectedUpdatedAt *time.Time) (bool, error) {
	r.mu.Lock()
	hook := r.beforeUpdate
	r.beforeUpdate = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.transactions[txn.IntentID]
	if !ok {
		return false, nil
	}
	if !timesEqual(stored.UpdatedAt, expectedUpdatedAt) {
		return false, nil
	}
	cp := *txn
	r.transactions[txn.IntentID] = &cp
	return true, nil
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (r *fakeBillingRepo) transactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}

// fakeCaptcha approves or rejects every token uniformly.
type fakeCaptcha struct {
	approve     bool
	unreachable bool
}

func (c *fakeCaptcha) Verify(_ context.Context, token, _ string) (bool, error) {
	if c.unreachable {
		return false, client.ErrProcessorUnavailable
	}
	if token == "" {
		return false, nil
	}
	return c.approve, nil
}

// fakeProcessor serves scripted intent states.
type fakeProcessor struct {
	mu      sync.Mutex
	intents map[string]*client.PaymentIntent
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{intents: make(map[string]*client.PaymentIntent)}
}

func (p *fakeProcessor) setIntent(intent *client.PaymentIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *intent
	p.intents[intent.ID] = &cp
}

func (p *fakeProcessor) FetchIntent(_ context.Context, intentID string) (*client.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, ok := p.intents[intentID]
	if !ok {
		return nil, client.ErrProcessorUnavailable
	}
	cp := *intent
	return &cp, nil
}

// recorderStub collects audit events for assertions.
type recorderStub struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorderStub) Record(_ context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// mailerStub collects outbound mail.
type mailerStub struct {
	mu   sync.Mutex
	sent []string
}

func (m *mailerStub) Send(to, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to)
	return nil
}
