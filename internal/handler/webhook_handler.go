package handler

import (
	"errors"
	"io"
	"net/http"

	"identity-service/internal/service"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// WebhookHandler receives payment processor pushes. The body is read
// raw because the signature covers the exact bytes on the wire.
type WebhookHandler struct {
	reconciler *service.PaymentReconciler
	logger     *zap.Logger
}

func NewWebhookHandler(reconciler *service.PaymentReconciler, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/webhooks/payment", h.PaymentEvent)
}

func (h *WebhookHandler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Could not read event body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")

	if err := h.reconciler.HandleWebhook(ctx, rawBody, signature); err != nil {
		if errors.Is(err, service.ErrInvalidOrExpiredToken) {
			respondWithError(w, http.StatusUnauthorized, err, "Signature verification failed")
			return
		}
		// A processing failure gets a 500 so the processor redelivers;
		// the upsert makes redelivery safe.
		respondWithError(w, http.StatusInternalServerError, err, "Event processing failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Event received"))
	h.logger.Debug("Webhook event processed", util.Int("body_bytes", len(rawBody)))
}
