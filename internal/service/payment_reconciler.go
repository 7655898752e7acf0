package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

// paidPeriod is how far the subscription end date moves on a paid
// activation.
const paidPeriod = 30 * 24 * time.Hour

const upsertRetries = 3

// WebhookEvent is the processor's push payload. Only the succeeded and
// failed event types are processed; everything else is acknowledged so
// the processor stops redelivering.
type WebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object client.PaymentIntent `json:"object"`
	} `json:"data"`
}

const (
	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
)

// PaymentReconciler converges the two independent completion paths —
// the client confirmation call and the processor webhook — onto one
// PaymentTransaction row per intent id. The row's uniqueness constraint
// is the concurrency control: both writers may race from different
// replicas, and the storage-level conditional insert decides who
// creates and who updates.
type PaymentReconciler struct {
	billing   scylla.BillingRepository
	processor client.PaymentProcessor
	audit     audit.Recorder

	webhookSecret string
	now           func() time.Time
}

func NewPaymentReconciler(
	cfg *config.Config,
	billing scylla.BillingRepository,
	processor client.PaymentProcessor,
	recorder audit.Recorder,
) *PaymentReconciler {
	return &PaymentReconciler{
		billing:       billing,
		processor:     processor,
		audit:         recorder,
		webhookSecret: cfg.Billing.WebhookSecret,
		now:           time.Now,
	}
}

// NormalizeStatus maps a processor status string onto the internal
// enum. Anything unrecognized stays pending; activation only ever
// follows paid.
func NormalizeStatus(processorStatus string) model.PaymentStatus {
	switch s := strings.ToLower(strings.TrimSpace(processorStatus)); {
	case s == "succeeded" || s == "paid":
		return model.PaymentPaid
	case strings.Contains(s, "fail") || s == "canceled" || s == "cancelled":
		return model.PaymentFailed
	case strings.Contains(s, "expire"):
		return model.PaymentExpired
	case strings.Contains(s, "refund"):
		return model.PaymentRefunded
	default:
		return model.PaymentPending
	}
}

// FetchConfirmedIntent pulls the intent's current state from the
// processor. A client-asserted status is never trusted; this fetch is
// the only input to the client-confirmation path.
func (r *PaymentReconciler) FetchConfirmedIntent(ctx context.Context, intentID string) (*client.PaymentIntent, model.PaymentStatus, error) {
	intent, err := r.processor.FetchIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, client.ErrProcessorUnavailable) {
			return nil, "", ErrPaymentServiceUnavailable
		}
		return nil, "", fmt.Errorf("failed to fetch payment intent: %w", err)
	}
	return intent, NormalizeStatus(intent.Status), nil
}

// Upsert records the intent's latest observed state: insert on first
// sight, update in place after. A paid row only ever moves to refunded,
// and linkage fields are only ever filled in, not cleared.
func (r *PaymentReconciler) Upsert(ctx context.Context, txn *model.PaymentTransaction) error {
	now := r.now().UTC()
	txn.CreatedAt = now
	txn.UpdatedAt = &now

	applied, err := r.billing.InsertTransaction(ctx, txn)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	// Lost the insert race; merge into the existing row. The update is
	// conditioned on the updated_at snapshot, so a concurrent writer
	// landing between our read and write shows up as applied=false and
	// we re-read and re-merge.
	var lastErr error
	for attempt := 0; attempt < upsertRetries; attempt++ {
		existing, err := r.billing.GetTransactionByIntent(ctx, txn.IntentID)
		if err != nil {
			return err
		}

		merged := *existing
		merged.Status = mergeStatus(existing.Status, txn.Status)
		if txn.AmountCents != 0 {
			merged.AmountCents = txn.AmountCents
		}
		if txn.Currency != "" {
			merged.Currency = txn.Currency
		}
		if txn.ProcessorPayID != "" {
			merged.ProcessorPayID = txn.ProcessorPayID
		}
		if txn.FailureCode != "" {
			merged.FailureCode = txn.FailureCode
		}
		if txn.FailureMessage != "" {
			merged.FailureMessage = txn.FailureMessage
		}
		if txn.OrganizationID != "" {
			merged.OrganizationID = txn.OrganizationID
		}
		if txn.AccountID != "" {
			merged.AccountID = txn.AccountID
		}
		if txn.SubscriptionID != "" {
			merged.SubscriptionID = txn.SubscriptionID
		}
		merged.UpdatedAt = &now

		applied, err := r.billing.UpdateTransaction(ctx, &merged, existing.UpdatedAt)
		if err != nil {
			lastErr = err
			continue
		}
		if !applied {
			lastErr = fmt.Errorf("lost merge race on intent %s", txn.IntentID)
			continue
		}
		*txn = merged
		return nil
	}
	return fmt.Errorf("failed to upsert payment transaction %s: %w", txn.IntentID, lastErr)
}

// mergeStatus keeps paid terminal: once a row is paid, only a refund
// can move it. Every other incoming observation wins, so the two
// completion paths converge regardless of delivery order.
func mergeStatus(existing, incoming model.PaymentStatus) model.PaymentStatus {
	if existing == model.PaymentPaid && incoming != model.PaymentRefunded {
		return existing
	}
	return incoming
}

// Activate flips the organization's subscription Trial -> Active and
// snapshots the billing contact. The storage-level status guard makes
// the transition one-shot; a second paid observation is a no-op.
func (r *PaymentReconciler) Activate(ctx context.Context, orgID, billingName, billingEmail string) error {
	now := r.now().UTC()
	applied, err := r.billing.ActivateSubscription(ctx, orgID, now.Add(paidPeriod), now)
	if err != nil {
		return err
	}
	if !applied {
		util.Debug("Subscription already active", zap.String("organization_id", orgID))
		return nil
	}

	if billingName != "" || billingEmail != "" {
		if err := r.billing.UpdateOrganizationBilling(ctx, orgID, billingName, billingEmail); err != nil {
			util.Warn("Failed to snapshot billing contact",
				zap.String("organization_id", orgID),
				zap.Error(err))
		}
	}

	r.record("", "activated", orgID)
	return nil
}

// RecordFreeActivation writes the zero-amount transaction that keeps
// free-trial signups symmetric with paid ones in the payment ledger.
func (r *PaymentReconciler) RecordFreeActivation(ctx context.Context, orgID, accountID, subscriptionID, currency string) error {
	txn := &model.PaymentTransaction{
		IntentID:       "free_" + subscriptionID,
		AmountCents:    0,
		Currency:       currency,
		Status:         model.PaymentPaid,
		OrganizationID: orgID,
		AccountID:      accountID,
		SubscriptionID: subscriptionID,
	}
	return r.Upsert(ctx, txn)
}

// VerifySignature checks the HMAC-SHA256 of the raw webhook body. With
// no secret configured, verification is trivially satisfied; that
// relaxation exists for non-production setups and is logged every time.
func (r *PaymentReconciler) VerifySignature(rawBody []byte, signature string) bool {
	if r.webhookSecret == "" {
		util.Warn("Webhook signature not verified: no webhook secret configured")
		return true
	}

	mac := hmac.New(sha256.New, []byte(r.webhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// HandleWebhook processes one pushed event. Unknown event types and
// events without an intent id are acknowledged without processing. The
// upsert does not require the owning signup to exist yet; a row created
// here is linked later when the draft completes.
func (r *PaymentReconciler) HandleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	if !r.VerifySignature(rawBody, signature) {
		r.record("", "signature_rejected", "")
		return ErrInvalidOrExpiredToken
	}

	var event WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	if event.Type != eventPaymentSucceeded && event.Type != eventPaymentFailed {
		util.Debug("Ignoring webhook event", zap.String("event_type", event.Type))
		return nil
	}

	intent := event.Data.Object
	if intent.ID == "" {
		util.Warn("Webhook event without intent id", zap.String("event_type", event.Type))
		return nil
	}

	status := NormalizeStatus(intent.Status)
	if event.Type == eventPaymentFailed && status == model.PaymentPending {
		status = model.PaymentFailed
	}

	txn := &model.PaymentTransaction{
		IntentID:       intent.ID,
		AmountCents:    intent.AmountCents,
		Currency:       intent.Currency,
		Status:         status,
		ProcessorPayID: intent.PaymentID,
		FailureCode:    intent.FailureCode,
		FailureMessage: intent.FailureMessage,
	}
	if err := r.Upsert(ctx, txn); err != nil {
		return err
	}

	r.record(intent.ID, "webhook_"+string(status), event.Type)

	// The row only carries an organization once the owning signup
	// completed; webhooks arriving before that just park the status.
	if status == model.PaymentPaid && txn.OrganizationID != "" {
		org, err := r.billing.GetOrganizationByID(ctx, txn.OrganizationID)
		if err != nil {
			if errors.Is(err, scylla.ErrNotFound) {
				return nil
			}
			return err
		}
		return r.Activate(ctx, org.OrganizationID, org.BillingName, org.BillingEmail)
	}
	return nil
}

func (r *PaymentReconciler) record(intentID, outcome, detail string) {
	r.audit.Record(context.Background(), audit.Event{
		EventType: audit.EventPaymentReconciliation,
		ClientID:  intentID,
		Outcome:   outcome,
		Detail:    detail,
	})
}
