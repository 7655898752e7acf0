package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"identity-service/internal/service"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SignupHandler handles the draft -> plan -> complete onboarding routes.
type SignupHandler struct {
	flow   *service.SignupOnboardingFlow
	logger *zap.Logger
}

func NewSignupHandler(flow *service.SignupOnboardingFlow, logger *zap.Logger) *SignupHandler {
	return &SignupHandler{
		flow:   flow,
		logger: logger,
	}
}

func (h *SignupHandler) RegisterRoutes(router chi.Router) {
	router.Route("/signup", func(r chi.Router) {
		r.Post("/", h.Draft)
		r.Get("/plan", h.ResolvePlan)
		r.Post("/complete", h.Complete)
	})
}

type signupRequest struct {
	OrgName          string `json:"org_name"`
	OrgCode          string `json:"org_code"`
	AdminEmail       string `json:"admin_email"`
	Password         string `json:"password,omitempty"`
	ExternalProvider string `json:"external_provider,omitempty"`
	ExternalID       string `json:"external_id,omitempty"`
	PlanID           string `json:"plan_id"`
	BillingName      string `json:"billing_name,omitempty"`
	BillingEmail     string `json:"billing_email,omitempty"`
}

func (h *SignupHandler) Draft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.flow.Draft(ctx, &service.DraftRequest{
		OrgName:          req.OrgName,
		OrgCode:          req.OrgCode,
		AdminEmail:       req.AdminEmail,
		Password:         req.Password,
		ExternalProvider: req.ExternalProvider,
		ExternalID:       req.ExternalID,
		PlanID:           req.PlanID,
		BillingName:      req.BillingName,
		BillingEmail:     req.BillingEmail,
	})
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Signup failed")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"draft_token":      result.DraftToken,
		"billing_required": result.BillingRequired,
		"plan_name":        result.PlanName,
	}, "Signup drafted"))
	h.logger.Info("Signup drafted via HTTP",
		util.Bool("billing_required", result.BillingRequired),
		util.Duration("duration", time.Since(startTime)),
	)
}

// ResolvePlan shows the billing page what plan a token refers to.
func (h *SignupHandler) ResolvePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		respondWithError(w, http.StatusUnauthorized, service.ErrInvalidOrExpiredToken, "Token required")
		return
	}

	display, err := h.flow.ResolvePlanForDisplay(ctx, tokenStr)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Could not resolve plan")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"plan_id":             display.PlanID,
		"plan_name":           display.PlanName,
		"price_cents":         display.PriceCents,
		"currency":            display.Currency,
		"free_trial_eligible": display.FreeTrialEligible,
	}, "Plan resolved"))
}

type completeRequest struct {
	Token           string `json:"token"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
}

func (h *SignupHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.flow.Complete(ctx, req.Token, req.PaymentIntentID)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Activation failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"session_token":       result.SessionToken,
		"account_id":          result.AccountID,
		"organization_id":     result.OrganizationID,
		"subscription_id":     result.SubscriptionID,
		"subscription_status": string(result.Status),
	}, "Signup completed"))
	h.logger.Info("Signup completed via HTTP",
		util.String("organization_id", result.OrganizationID),
		util.String("subscription_status", string(result.Status)),
		util.Duration("duration", time.Since(startTime)),
	)
}
