package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/store"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

const draftTTL = 30 * time.Minute

// DraftRequest is the full proposed signup payload.
type DraftRequest struct {
	OrgName          string
	OrgCode          string
	AdminEmail       string
	Password         string
	ExternalProvider string
	ExternalID       string
	PlanID           string
	BillingName      string
	BillingEmail     string
}

// DraftResult hands the caller the opaque draft token plus whether a
// billing step stands between them and an active account.
type DraftResult struct {
	DraftToken      string
	BillingRequired bool
	PlanName        string
}

// PlanDisplay is what the billing page shows. FreeTrialEligible is
// asymmetric on purpose: only a fresh draft qualifies; a resumed
// onboarding-intent session never re-grants a trial.
type PlanDisplay struct {
	PlanID            string
	PlanName          string
	PriceCents        int64
	Currency          string
	FreeTrialEligible bool
}

// CompletionResult is the final signup outcome.
type CompletionResult struct {
	SessionToken   string
	AccountID      string
	OrganizationID string
	SubscriptionID string
	Status         model.SubscriptionStatus
}

// SignupOnboardingFlow drives signup from draft to activated
// subscription. Drafts are ephemeral KV entries under opaque tokens;
// nothing touches the database until payment (or trial eligibility)
// clears.
type SignupOnboardingFlow struct {
	accounts   scylla.AccountRepository
	billing    scylla.BillingRepository
	drafts     store.KV
	hasher     *hashing.Hasher
	issuer     *token.Issuer
	reconciler *PaymentReconciler
	audit      audit.Recorder

	trialDuration time.Duration
	now           func() time.Time
}

func NewSignupOnboardingFlow(
	cfg *config.Config,
	accounts scylla.AccountRepository,
	billing scylla.BillingRepository,
	drafts store.KV,
	hasher *hashing.Hasher,
	issuer *token.Issuer,
	reconciler *PaymentReconciler,
	recorder audit.Recorder,
) *SignupOnboardingFlow {
	return &SignupOnboardingFlow{
		accounts:      accounts,
		billing:       billing,
		drafts:        drafts,
		hasher:        hasher,
		issuer:        issuer,
		reconciler:    reconciler,
		audit:         recorder,
		trialDuration: cfg.Billing.TrialDuration,
		now:           time.Now,
	}
}

// Draft validates the payload and parks it under a fresh opaque token
// for 30 minutes. No database row exists yet.
func (f *SignupOnboardingFlow) Draft(ctx context.Context, req *DraftRequest) (*DraftResult, error) {
	req.AdminEmail = util.NormalizeEmail(req.AdminEmail)
	req.OrgName = strings.TrimSpace(req.OrgName)
	req.OrgCode = strings.ToLower(strings.TrimSpace(req.OrgCode))

	external := req.ExternalProvider != "" && req.ExternalID != ""

	switch {
	case req.OrgName == "":
		return nil, fmt.Errorf("%w: organization name is required", ErrValidation)
	case req.OrgCode == "":
		return nil, fmt.Errorf("%w: organization code is required", ErrValidation)
	case req.AdminEmail == "":
		return nil, fmt.Errorf("%w: admin email is required", ErrValidation)
	case !external && len(req.Password) < 8:
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}

	exists, err := f.billing.OrganizationCodeExists(ctx, req.OrgCode)
	if err != nil {
		return nil, fmt.Errorf("failed to check organization code: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: organization code taken", ErrDuplicateResource)
	}

	if _, err := f.accounts.GetAccountByEmail(ctx, req.AdminEmail); err == nil {
		return nil, fmt.Errorf("%w: email already registered", ErrDuplicateResource)
	} else if !errors.Is(err, scylla.ErrNotFound) {
		return nil, fmt.Errorf("failed to check admin email: %w", err)
	}

	plan, err := f.billing.GetPlanByID(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrPlanUnavailable
		}
		return nil, fmt.Errorf("failed to resolve plan: %w", err)
	}
	if !plan.IsActive {
		return nil, ErrPlanUnavailable
	}

	draft := model.SignupDraft{
		OrgName:          req.OrgName,
		OrgCode:          req.OrgCode,
		AdminEmail:       req.AdminEmail,
		ExternalProvider: req.ExternalProvider,
		ExternalID:       req.ExternalID,
		PlanID:           plan.PlanID,
		BillingName:      req.BillingName,
		BillingEmail:     req.BillingEmail,
		CreatedAt:        f.now().UTC(),
	}
	if !external {
		hashed, err := f.hasher.HashPassword(req.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		draft.PasswordHash = hashed
	}

	payload, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("failed to encode draft: %w", err)
	}

	draftToken, err := newDraftToken()
	if err != nil {
		return nil, err
	}
	if err := f.drafts.Set(ctx, draftKey(draftToken), payload, draftTTL); err != nil {
		return nil, fmt.Errorf("failed to store draft: %w", err)
	}

	return &DraftResult{
		DraftToken:      draftToken,
		BillingRequired: billingRequired(plan),
		PlanName:        plan.Name,
	}, nil
}

// ResolvePlanForDisplay maps a token to the plan the billing page
// should show. A draft resolves the plan fresh and is trial-eligible;
// an onboarding-intent token trusts its embedded plan and never is.
// Any other token is invalid, with one indistinguishable error.
func (f *SignupOnboardingFlow) ResolvePlanForDisplay(ctx context.Context, tokenStr string) (*PlanDisplay, error) {
	if claims, err := f.issuer.ValidateOnboardingIntent(tokenStr); err == nil {
		display := &PlanDisplay{
			PlanID:            claims.PlanID,
			PlanName:          claims.PlanName,
			FreeTrialEligible: false,
		}
		if plan, err := f.billing.GetPlanByID(ctx, claims.PlanID); err == nil {
			display.PriceCents = plan.PriceCents
			display.Currency = plan.Currency
		}
		return display, nil
	}

	draft, err := f.peekDraft(ctx, tokenStr)
	if err != nil {
		return nil, ErrInvalidOrExpiredToken
	}

	plan, err := f.billing.GetPlanByID(ctx, draft.PlanID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrPlanUnavailable
		}
		return nil, fmt.Errorf("failed to resolve plan: %w", err)
	}

	return &PlanDisplay{
		PlanID:            plan.PlanID,
		PlanName:          plan.Name,
		PriceCents:        plan.PriceCents,
		Currency:          plan.Currency,
		FreeTrialEligible: plan.TrialSupported,
	}, nil
}

// Complete turns a draft into real rows. The trial path consumes the
// draft immediately; the paid path checks the processor first, so a
// not-yet-paid intent leaves the draft intact for a later retry. Either
// way a draft activates at most once.
func (f *SignupOnboardingFlow) Complete(ctx context.Context, tokenStr, intentID string) (*CompletionResult, error) {
	if claims, err := f.issuer.ValidateOnboardingIntent(tokenStr); err == nil {
		return f.completeOnboardingIntent(ctx, claims, intentID)
	}

	draft, err := f.peekDraft(ctx, tokenStr)
	if err != nil {
		return nil, ErrInvalidOrExpiredToken
	}

	plan, err := f.billing.GetPlanByID(ctx, draft.PlanID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrPlanUnavailable
		}
		return nil, fmt.Errorf("failed to resolve plan: %w", err)
	}

	if intentID == "" {
		if !plan.IsFree() && !plan.TrialSupported {
			return nil, ErrPaymentNotConfirmed
		}
		return f.completeTrial(ctx, tokenStr, draft, plan)
	}
	return f.completePaid(ctx, tokenStr, draft, plan, intentID)
}

func (f *SignupOnboardingFlow) completeTrial(ctx context.Context, tokenStr string, draft *model.SignupDraft, plan *model.Plan) (*CompletionResult, error) {
	if err := f.consumeDraft(ctx, tokenStr); err != nil {
		return nil, err
	}

	account, sub, err := f.provision(ctx, draft, plan)
	if err != nil {
		return nil, err
	}

	if err := f.reconciler.RecordFreeActivation(ctx, account.OrganizationID, account.AccountID, sub.SubscriptionID, plan.Currency); err != nil {
		util.Warn("Failed to record free activation transaction",
			zap.String("organization_id", account.OrganizationID),
			zap.Error(err))
	}

	return f.finish(account, sub)
}

func (f *SignupOnboardingFlow) completePaid(ctx context.Context, tokenStr string, draft *model.SignupDraft, plan *model.Plan, intentID string) (*CompletionResult, error) {
	intent, status, err := f.reconciler.FetchConfirmedIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if status != model.PaymentPaid {
		// Draft stays parked; the caller can retry inside the TTL.
		return nil, ErrPaymentNotConfirmed
	}

	if err := f.consumeDraft(ctx, tokenStr); err != nil {
		return nil, err
	}

	account, sub, err := f.provision(ctx, draft, plan)
	if err != nil {
		return nil, err
	}

	txn := &model.PaymentTransaction{
		IntentID:       intent.ID,
		AmountCents:    intent.AmountCents,
		Currency:       intent.Currency,
		Status:         model.PaymentPaid,
		ProcessorPayID: intent.PaymentID,
		OrganizationID: account.OrganizationID,
		AccountID:      account.AccountID,
		SubscriptionID: sub.SubscriptionID,
	}
	if err := f.reconciler.Upsert(ctx, txn); err != nil {
		return nil, err
	}
	if err := f.reconciler.Activate(ctx, account.OrganizationID, draft.BillingName, draft.BillingEmail); err != nil {
		return nil, err
	}
	sub.Status = model.SubscriptionActive

	return f.finish(account, sub)
}

// completeOnboardingIntent resumes billing for an account that already
// exists; it activates the existing subscription and never provisions.
func (f *SignupOnboardingFlow) completeOnboardingIntent(ctx context.Context, claims *token.OnboardingClaims, intentID string) (*CompletionResult, error) {
	if intentID == "" {
		// Resumed sessions are never trial-eligible.
		return nil, ErrPaymentNotConfirmed
	}

	intent, status, err := f.reconciler.FetchConfirmedIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if status != model.PaymentPaid {
		return nil, ErrPaymentNotConfirmed
	}

	account, err := f.accounts.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	sub, err := f.billing.GetSubscriptionByOrganization(ctx, claims.OrgID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	org, err := f.billing.GetOrganizationByID(ctx, claims.OrgID)
	if err != nil && !errors.Is(err, scylla.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up organization: %w", err)
	}

	txn := &model.PaymentTransaction{
		IntentID:       intent.ID,
		AmountCents:    intent.AmountCents,
		Currency:       intent.Currency,
		Status:         model.PaymentPaid,
		ProcessorPayID: intent.PaymentID,
		OrganizationID: claims.OrgID,
		AccountID:      account.AccountID,
		SubscriptionID: sub.SubscriptionID,
	}
	if err := f.reconciler.Upsert(ctx, txn); err != nil {
		return nil, err
	}

	billingName, billingEmail := "", ""
	if org != nil {
		billingName, billingEmail = org.BillingName, org.BillingEmail
	}
	if err := f.reconciler.Activate(ctx, claims.OrgID, billingName, billingEmail); err != nil {
		return nil, err
	}
	sub.Status = model.SubscriptionActive

	return f.finish(account, sub)
}

// provision creates the organization, admin account and trial
// subscription rows from a consumed draft.
func (f *SignupOnboardingFlow) provision(ctx context.Context, draft *model.SignupDraft, plan *model.Plan) (*model.Account, *model.Subscription, error) {
	now := f.now().UTC()

	org := &model.Organization{
		OrganizationID: uuid.New().String(),
		Name:           draft.OrgName,
		Code:           draft.OrgCode,
		BillingName:    draft.BillingName,
		BillingEmail:   draft.BillingEmail,
		CreatedAt:      now,
	}
	if err := f.billing.CreateOrganization(ctx, org); err != nil {
		if errors.Is(err, scylla.ErrAlreadyExists) {
			return nil, nil, fmt.Errorf("%w: organization code taken", ErrDuplicateResource)
		}
		return nil, nil, fmt.Errorf("failed to create organization: %w", err)
	}

	account := &model.Account{
		AccountID:        uuid.New().String(),
		Email:            draft.AdminEmail,
		PasswordHash:     draft.PasswordHash,
		IsActive:         true,
		Role:             model.RoleAdmin,
		OrganizationID:   org.OrganizationID,
		ExternalProvider: draft.ExternalProvider,
		ExternalID:       draft.ExternalID,
		CreatedAt:        now,
	}
	if err := f.accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, scylla.ErrAlreadyExists) {
			return nil, nil, fmt.Errorf("%w: email already registered", ErrDuplicateResource)
		}
		return nil, nil, fmt.Errorf("failed to create account: %w", err)
	}

	sub := &model.Subscription{
		SubscriptionID: uuid.New().String(),
		OrganizationID: org.OrganizationID,
		PlanID:         plan.PlanID,
		Status:         model.SubscriptionTrial,
		StartsAt:       now,
		EndsAt:         now.Add(f.trialDuration),
		UpdatedAt:      &now,
	}
	if err := f.billing.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	f.audit.Record(context.Background(), audit.Event{
		EventType: audit.EventSignupCompleted,
		AccountID: account.AccountID,
		Outcome:   "success",
		Detail:    plan.PlanID,
	})

	return account, sub, nil
}

func (f *SignupOnboardingFlow) finish(account *model.Account, sub *model.Subscription) (*CompletionResult, error) {
	sessionToken, err := f.issuer.MintSession(account, account.EffectiveRole())
	if err != nil {
		return nil, fmt.Errorf("failed to mint session: %w", err)
	}
	return &CompletionResult{
		SessionToken:   sessionToken,
		AccountID:      account.AccountID,
		OrganizationID: account.OrganizationID,
		SubscriptionID: sub.SubscriptionID,
		Status:         sub.Status,
	}, nil
}

func (f *SignupOnboardingFlow) peekDraft(ctx context.Context, tokenStr string) (*model.SignupDraft, error) {
	payload, err := f.drafts.Get(ctx, draftKey(tokenStr))
	if err != nil {
		return nil, err
	}
	var draft model.SignupDraft
	if err := json.Unmarshal(payload, &draft); err != nil {
		return nil, err
	}
	return &draft, nil
}

// consumeDraft removes the draft atomically; losing the race to a
// concurrent completion surfaces as an invalid token.
func (f *SignupOnboardingFlow) consumeDraft(ctx context.Context, tokenStr string) error {
	if _, err := f.drafts.GetDel(ctx, draftKey(tokenStr)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("failed to consume draft: %w", err)
	}
	return nil
}

func draftKey(tokenStr string) string {
	return "signup_draft:" + tokenStr
}

func billingRequired(plan *model.Plan) bool {
	return !plan.IsFree() && !plan.TrialSupported
}

func newDraftToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate draft token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
