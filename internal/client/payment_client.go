package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// ErrProcessorUnavailable marks operational/config failures of the
// payment processor, as opposed to a non-paid intent status.
var ErrProcessorUnavailable = errors.New("payment processor unavailable")

// PaymentIntent is the processor's view of one attempted charge.
type PaymentIntent struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	AmountCents    int64  `json:"amount"`
	Currency       string `json:"currency"`
	PaymentID      string `json:"payment_id"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

// PaymentProcessor fetches the current state of a payment intent. The
// reconciler never trusts a client-asserted status, so this is the only
// source of truth on the client-confirmation path.
type PaymentProcessor interface {
	FetchIntent(ctx context.Context, intentID string) (*PaymentIntent, error)
}

// PaymentClient is the HTTP implementation against the processor API.
type PaymentClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewPaymentClient(cfg *config.Config) *PaymentClient {
	return &PaymentClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    cfg.Billing.ProcessorBaseURL,
		apiKey:     cfg.Billing.ProcessorAPIKey,
	}
}

func (c *PaymentClient) FetchIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, fmt.Errorf("%w: processor credentials not configured", ErrProcessorUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/payment_intents/%s", c.baseURL, intentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build intent request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.Warn("Payment processor unreachable",
			zap.String("intent_id", intentID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("payment intent not found: %s", intentID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProcessorUnavailable, resp.StatusCode)
	}

	var intent PaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent response: %w", err)
	}

	return &intent, nil
}
