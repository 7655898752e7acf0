package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type contextKey string

const sessionClaimsKey contextKey = "session_claims"

// AuthHandler handles login, second-factor and password-reset routes.
type AuthHandler struct {
	gate   *service.CredentialGate
	totp   *service.TotpManager
	issuer *token.Issuer
	logger *zap.Logger
}

func NewAuthHandler(gate *service.CredentialGate, totp *service.TotpManager, issuer *token.Issuer, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		gate:   gate,
		totp:   totp,
		issuer: issuer,
		logger: logger,
	}
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/login/totp", h.LoginTotp)
		r.Post("/login/recovery", h.LoginRecovery)
		r.Post("/password/forgot", h.ForgotPassword)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)
			r.Post("/2fa/setup", h.TotpSetup)
			r.Post("/2fa/activate", h.TotpActivate)
			r.Post("/2fa/disable", h.TotpDisable)
		})
	})
}

// RequireSession authenticates the bearer token and stashes the claims
// on the request context.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		if tokenStr == "" || tokenStr == header {
			respondWithError(w, http.StatusUnauthorized, service.ErrInvalidOrExpiredToken, "Authorization required")
			return
		}

		claims, err := h.issuer.ValidateSession(tokenStr)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, service.ErrInvalidOrExpiredToken, "Invalid session")
			return
		}

		ctx := context.WithValue(r.Context(), sessionClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) *token.SessionClaims {
	claims, _ := ctx.Value(sessionClaimsKey).(*token.SessionClaims)
	return claims
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

type loginResponse struct {
	SessionToken    string `json:"session_token,omitempty"`
	TotpRequired    bool   `json:"totp_required,omitempty"`
	TotpIntentToken string `json:"totp_intent_token,omitempty"`
	Role            string `json:"role,omitempty"`
	RoleDisplay     string `json:"role_display,omitempty"`
	OrganizationID  string `json:"organization_id,omitempty"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.gate.VerifyLogin(ctx, req.Email, req.Password, req.CaptchaToken, clientID(r))
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Login failed")
		return
	}

	resp := loginResponse{
		SessionToken:    result.SessionToken,
		TotpRequired:    result.TotpRequired,
		TotpIntentToken: result.TotpIntentToken,
		Role:            string(result.Role),
		RoleDisplay:     result.RoleDisplay,
		OrganizationID:  result.OrganizationID,
	}
	respondWithJSON(w, http.StatusOK, successResponse(resp, "Login processed"))
	h.logger.Info("Login processed via HTTP",
		util.Bool("totp_required", result.TotpRequired),
		util.Duration("duration", time.Since(startTime)),
	)
}

type totpLoginRequest struct {
	IntentToken string `json:"intent_token"`
	Code        string `json:"code"`
}

// LoginTotp completes a login that was paused for the second factor.
func (h *AuthHandler) LoginTotp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req totpLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	claims, err := h.issuer.ValidateTotpIntent(req.IntentToken)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, service.ErrInvalidOrExpiredToken, "Invalid intent token")
		return
	}

	account, err := h.gate.GetAccount(ctx, claims.Subject)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Login failed")
		return
	}

	if err := h.totp.VerifyLogin(ctx, account, req.Code); err != nil {
		respondWithError(w, getStatusCode(err), err, "Verification failed")
		return
	}

	result, err := h.gate.CompleteLogin(ctx, account, clientID(r))
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Login failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(loginResponse{
		SessionToken:   result.SessionToken,
		Role:           string(result.Role),
		RoleDisplay:    result.RoleDisplay,
		OrganizationID: result.OrganizationID,
	}, "Login successful"))
}

// LoginRecovery is the authenticator-lost path: one recovery code
// substitutes for a TOTP code, once.
func (h *AuthHandler) LoginRecovery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req totpLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	claims, err := h.issuer.ValidateTotpIntent(req.IntentToken)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, service.ErrInvalidOrExpiredToken, "Invalid intent token")
		return
	}

	account, err := h.gate.GetAccount(ctx, claims.Subject)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Login failed")
		return
	}

	if err := h.totp.VerifyRecovery(ctx, account, req.Code); err != nil {
		respondWithError(w, getStatusCode(err), err, "Verification failed")
		return
	}

	result, err := h.gate.CompleteLogin(ctx, account, clientID(r))
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Login failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(loginResponse{
		SessionToken:   result.SessionToken,
		Role:           string(result.Role),
		RoleDisplay:    result.RoleDisplay,
		OrganizationID: result.OrganizationID,
	}, "Login successful"))
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPassword always answers the same way, found or not.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.gate.RequestPasswordReset(ctx, req.Email, clientID(r)); err != nil {
		respondWithError(w, getStatusCode(err), err, "Request failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil,
		"If the address is registered, a reset email is on its way"))
}

func (h *AuthHandler) TotpSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := sessionFromContext(ctx)

	account, err := h.gate.GetAccount(ctx, claims.Subject)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Setup failed")
		return
	}

	enrollment, err := h.totp.BeginEnrollment(ctx, account)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Setup failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"secret":      enrollment.Secret,
		"otpauth_url": enrollment.OtpauthURL,
		"qr_code_png": enrollment.QRCodePNG,
	}, "Scan the QR code, then activate with a current code"))
}

type totpCodeRequest struct {
	Code string `json:"code"`
}

func (h *AuthHandler) TotpActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := sessionFromContext(ctx)

	var req totpCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	account, err := h.gate.GetAccount(ctx, claims.Subject)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Activation failed")
		return
	}

	recoveryCodes, err := h.totp.ConfirmEnrollment(ctx, account, req.Code)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Activation failed")
		return
	}

	// The only time the plaintext codes ever leave the service.
	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"recovery_codes": recoveryCodes,
	}, "Two-factor authentication enabled; store these recovery codes now"))
}

func (h *AuthHandler) TotpDisable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := sessionFromContext(ctx)

	var req totpCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	account, err := h.gate.GetAccount(ctx, claims.Subject)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Disable failed")
		return
	}

	if err := h.totp.Disable(ctx, account, req.Code); err != nil {
		respondWithError(w, getStatusCode(err), err, "Disable failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor authentication disabled"))
}
