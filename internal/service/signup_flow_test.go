package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/client"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/store"
	"identity-service/internal/token"
)

type flowFixture struct {
	flow      *SignupOnboardingFlow
	accounts  *fakeAccountRepo
	billing   *fakeBillingRepo
	drafts    *store.MemoryKV
	processor *fakeProcessor
	issuer    *token.Issuer
	now       time.Time
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	cfg := testConfig()

	f := &flowFixture{
		accounts:  newFakeAccountRepo(),
		billing:   newFakeBillingRepo(),
		drafts:    store.NewMemoryKV(),
		processor: newFakeProcessor(),
		issuer:    token.NewIssuer(cfg),
		now:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(f.drafts.Close)

	f.billing.putPlan(&model.Plan{
		PlanID: "plan-free", Name: "Starter", PriceCents: 0, Currency: "usd",
		TrialSupported: false, IsActive: true,
	})
	f.billing.putPlan(&model.Plan{
		PlanID: "plan-trial", Name: "Team", PriceCents: 4900, Currency: "usd",
		TrialSupported: true, IsActive: true,
	})
	f.billing.putPlan(&model.Plan{
		PlanID: "plan-paid", Name: "Enterprise", PriceCents: 19900, Currency: "usd",
		TrialSupported: false, IsActive: true,
	})
	f.billing.putPlan(&model.Plan{
		PlanID: "plan-retired", Name: "Legacy", PriceCents: 900, Currency: "usd",
		TrialSupported: false, IsActive: false,
	})

	reconciler := NewPaymentReconciler(cfg, f.billing, f.processor, &recorderStub{})
	f.flow = NewSignupOnboardingFlow(cfg, f.accounts, f.billing, f.drafts,
		hashing.NewHasher(cfg), f.issuer, reconciler, &recorderStub{})
	f.flow.now = func() time.Time { return f.now }
	return f
}

func draftRequest(planID string) *DraftRequest {
	return &DraftRequest{
		OrgName:      "Acme Widgets",
		OrgCode:      "acme",
		AdminEmail:   "owner@acme.test",
		Password:     "a-long-password",
		PlanID:       planID,
		BillingName:  "Acme Widgets Inc",
		BillingEmail: "billing@acme.test",
	}
}

func TestDraftValidation(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(req *DraftRequest)
		wantErr error
	}{
		{"missing org name", func(r *DraftRequest) { r.OrgName = "  " }, ErrValidation},
		{"missing org code", func(r *DraftRequest) { r.OrgCode = "" }, ErrValidation},
		{"missing email", func(r *DraftRequest) { r.AdminEmail = "" }, ErrValidation},
		{"short password", func(r *DraftRequest) { r.Password = "short" }, ErrValidation},
		{"unknown plan", func(r *DraftRequest) { r.PlanID = "plan-nope" }, ErrPlanUnavailable},
		{"inactive plan", func(r *DraftRequest) { r.PlanID = "plan-retired" }, ErrPlanUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := draftRequest("plan-trial")
			tc.mutate(req)
			_, err := f.flow.Draft(ctx, req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDraftExternalIdentitySkipsPassword(t *testing.T) {
	f := newFlowFixture(t)

	req := draftRequest("plan-trial")
	req.Password = ""
	req.ExternalProvider = "google"
	req.ExternalID = "g-456"

	result, err := f.flow.Draft(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, result.DraftToken)
}

func TestDraftRejectsDuplicates(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	f.billing.orgCodes["acme"] = "org-existing"
	_, err := f.flow.Draft(ctx, draftRequest("plan-trial"))
	assert.ErrorIs(t, err, ErrDuplicateResource)
	delete(f.billing.orgCodes, "acme")

	f.accounts.put(&model.Account{AccountID: "acct-x", Email: "owner@acme.test"})
	_, err = f.flow.Draft(ctx, draftRequest("plan-trial"))
	assert.ErrorIs(t, err, ErrDuplicateResource)
}

func TestDraftBillingRequiredFlag(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	cases := []struct {
		planID   string
		required bool
	}{
		{"plan-free", false},
		{"plan-trial", false},
		{"plan-paid", true},
	}
	for _, tc := range cases {
		req := draftRequest(tc.planID)
		req.OrgCode = "acme-" + tc.planID
		req.AdminEmail = tc.planID + "@acme.test"
		result, err := f.flow.Draft(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, tc.required, result.BillingRequired, tc.planID)
	}
}

// A fresh draft is trial-eligible when the plan supports it; a resumed
// onboarding-intent session for the very same plan never is.
func TestResolvePlanTrialEligibilityAsymmetry(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	draft, err := f.flow.Draft(ctx, draftRequest("plan-trial"))
	require.NoError(t, err)

	fromDraft, err := f.flow.ResolvePlanForDisplay(ctx, draft.DraftToken)
	require.NoError(t, err)
	assert.True(t, fromDraft.FreeTrialEligible)
	assert.Equal(t, "Team", fromDraft.PlanName)
	assert.Equal(t, int64(4900), fromDraft.PriceCents)

	onboardingToken, err := f.issuer.MintOnboardingIntent(
		"acct-1", "org-1", model.RoleAdmin, "plan-trial", "Team", true)
	require.NoError(t, err)

	fromIntent, err := f.flow.ResolvePlanForDisplay(ctx, onboardingToken)
	require.NoError(t, err)
	assert.False(t, fromIntent.FreeTrialEligible)
	assert.Equal(t, "Team", fromIntent.PlanName)

	_, err = f.flow.ResolvePlanForDisplay(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestCompleteTrialProvisionsEverything(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	draft, err := f.flow.Draft(ctx, draftRequest("plan-trial"))
	require.NoError(t, err)

	result, err := f.flow.Complete(ctx, draft.DraftToken, "")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionTrial, result.Status)

	claims, err := f.issuer.ValidateSession(result.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, result.AccountID, claims.Subject)
	assert.Equal(t, "admin", claims.Role)

	account, err := f.accounts.GetAccountByEmail(ctx, "owner@acme.test")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, account.Role)
	assert.True(t, account.HasCredential())

	sub, err := f.billing.GetSubscriptionByOrganization(ctx, result.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionTrial, sub.Status)
	assert.Equal(t, f.now.Add(7*24*time.Hour), sub.EndsAt)

	// Free activations leave a zero-amount paid row in the ledger.
	txn, err := f.billing.GetTransactionByIntent(ctx, "free_"+result.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, txn.Status)
	assert.Equal(t, int64(0), txn.AmountCents)
	assert.Equal(t, result.OrganizationID, txn.OrganizationID)
}

func TestCompleteConsumesDraftExactlyOnce(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	draft, err := f.flow.Draft(ctx, draftRequest("plan-trial"))
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, draft.DraftToken, "")
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, draft.DraftToken, "")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestCompletePaidPlanWithoutPaymentRefused(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	draft, err := f.flow.Draft(ctx, draftRequest("plan-paid"))
	require.NoError(t, err)

	_, err = f.flow.Complete(ctx, draft.DraftToken, "")
	assert.ErrorIs(t, err, ErrPaymentNotConfirmed)

	// Nothing was provisioned and the draft survives.
	_, err = f.accounts.GetAccountByEmail(ctx, "owner@acme.test")
	assert.Error(t, err)
	_, err = f.flow.ResolvePlanForDisplay(ctx, draft.DraftToken)
	assert.NoError(t, err)
}

// A refused confirmation leaves the draft parked; once the processor
// reports paid the same token activates, exactly once.
func TestCompletePaidPathRetriesUntilPaid(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	draft, err := f.flow.Draft(ctx, draftRequest("plan-paid"))
	require.NoError(t, err)

	f.processor.setIntent(&client.PaymentIntent{
		ID: "pi_123", Status: "requires_payment_method",
		AmountCents: 19900, Currency: "usd",
	})

	_, err = f.flow.Complete(ctx, draft.DraftToken, "pi_123")
	assert.ErrorIs(t, err, ErrPaymentNotConfirmed)

	f.processor.setIntent(&client.PaymentIntent{
		ID: "pi_123", Status: "succeeded",
		AmountCents: 19900, Currency: "usd", PaymentID: "pay_9",
	})

	result, err := f.flow.Complete(ctx, draft.DraftToken, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, result.Status)

	sub, err := f.billing.GetSubscriptionByOrganization(ctx, result.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, sub.Status)

	txn, err := f.billing.GetTransactionByIntent(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, txn.Status)
	assert.Equal(t, result.OrganizationID, txn.OrganizationID)
	assert.Equal(t, result.SubscriptionID, txn.SubscriptionID)
	assert.Equal(t, "pay_9", txn.ProcessorPayID)

	// The billing contact was snapshotted on activation.
	org, err := f.billing.GetOrganizationByID(ctx, result.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Widgets Inc", org.BillingName)

	_, err = f.flow.Complete(ctx, draft.DraftToken, "pi_123")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestCompleteProcessorOutage(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	draft, err := f.flow.Draft(ctx, draftRequest("plan-paid"))
	require.NoError(t, err)

	// No scripted intent: the processor is unreachable.
	_, err = f.flow.Complete(ctx, draft.DraftToken, "pi_unknown")
	assert.ErrorIs(t, err, ErrPaymentServiceUnavailable)

	// The draft is untouched.
	_, err = f.flow.ResolvePlanForDisplay(ctx, draft.DraftToken)
	assert.NoError(t, err)
}

func TestCompleteOnboardingIntentNeverTrialEligible(t *testing.T) {
	f := newFlowFixture(t)

	onboardingToken, err := f.issuer.MintOnboardingIntent(
		"acct-1", "org-1", model.RoleAdmin, "plan-trial", "Team", true)
	require.NoError(t, err)

	_, err = f.flow.Complete(context.Background(), onboardingToken, "")
	assert.ErrorIs(t, err, ErrPaymentNotConfirmed)
}

func TestCompleteOnboardingIntentActivatesExistingSubscription(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	// An earlier trial signup already provisioned these rows.
	draft, err := f.flow.Draft(ctx, draftRequest("plan-trial"))
	require.NoError(t, err)
	provisioned, err := f.flow.Complete(ctx, draft.DraftToken, "")
	require.NoError(t, err)

	onboardingToken, err := f.issuer.MintOnboardingIntent(
		provisioned.AccountID, provisioned.OrganizationID,
		model.RoleAdmin, "plan-trial", "Team", false)
	require.NoError(t, err)

	f.processor.setIntent(&client.PaymentIntent{
		ID: "pi_777", Status: "succeeded",
		AmountCents: 4900, Currency: "usd", PaymentID: "pay_77",
	})

	result, err := f.flow.Complete(ctx, onboardingToken, "pi_777")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, result.Status)
	assert.Equal(t, provisioned.SubscriptionID, result.SubscriptionID)

	sub, err := f.billing.GetSubscriptionByOrganization(ctx, provisioned.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, sub.Status)

	txn, err := f.billing.GetTransactionByIntent(ctx, "pi_777")
	require.NoError(t, err)
	assert.Equal(t, provisioned.OrganizationID, txn.OrganizationID)
}
