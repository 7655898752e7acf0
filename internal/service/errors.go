package service

import "errors"

// Sentinel errors returned by the services. Handlers map these to HTTP
// status codes; everything else surfaces as an internal error.
var (
	// ErrInvalidCredential deliberately covers unknown email, inactive
	// account, external-only account and wrong password alike.
	ErrInvalidCredential = errors.New("invalid email or password")

	// ErrCaptchaRequired means the throttle threshold was crossed and no
	// valid challenge token accompanied the request.
	ErrCaptchaRequired = errors.New("captcha verification required")

	ErrCaptchaFailed = errors.New("captcha verification failed")

	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")

	ErrTotpAlreadyEnabled = errors.New("two-factor authentication already enabled")

	ErrTotpNotEnabled = errors.New("two-factor authentication not enabled")

	ErrTotpCodeInvalid = errors.New("invalid verification code")

	// ErrRecoveryCodeInvalidOrUsed covers unknown and already-consumed
	// codes with one message.
	ErrRecoveryCodeInvalidOrUsed = errors.New("invalid or already used recovery code")

	ErrPaymentNotConfirmed = errors.New("payment not confirmed")

	ErrPaymentServiceUnavailable = errors.New("payment service unavailable")

	ErrDuplicateResource = errors.New("resource already exists")

	ErrPlanUnavailable = errors.New("plan not available")

	ErrValidation = errors.New("validation failed")
)
