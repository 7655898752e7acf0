package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"identity-service/internal/service"
	"identity-service/internal/util"

	"go.uber.org/zap"
)

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	util.Warn("HTTP error response",
		zap.Error(err),
		zap.Int("status_code", statusCode),
		zap.String("message", message),
	)
	respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode maps service sentinel errors onto HTTP status codes.
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredential),
		errors.Is(err, service.ErrInvalidOrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrCaptchaRequired),
		errors.Is(err, service.ErrCaptchaFailed):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrTotpCodeInvalid),
		errors.Is(err, service.ErrRecoveryCodeInvalidOrUsed):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrTotpAlreadyEnabled),
		errors.Is(err, service.ErrDuplicateResource):
		return http.StatusConflict
	case errors.Is(err, service.ErrTotpNotEnabled),
		errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrPlanUnavailable):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPaymentNotConfirmed):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrPaymentServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientID is the throttle key for the calling client. RealIP
// middleware has already rewritten RemoteAddr by the time this runs.
func clientID(r *http.Request) string {
	return r.RemoteAddr
}
