package core

import "errors"

// Sentinel errors for the core domain. Each maps to exactly one entry in the
// wire error taxonomy (see errorStatus in server/proxy.go for the HTTP status mapping).
var (
	ErrUnauthorized        = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation")
	ErrRateLimited         = errors.New("rate limited")
	ErrPlanLimitExceeded   = errors.New("plan limit exceeded")
	ErrTrialExhausted      = errors.New("trial exhausted")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrModelNotAllowed     = errors.New("model not allowed")
	ErrProviderError       = errors.New("provider error")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrUpstreamPermanent   = errors.New("upstream permanent error")
	ErrBadRequest          = errors.New("bad request")
	ErrTimeout             = errors.New("timeout")
	ErrCredentialExpired   = errors.New("credential expired")
	ErrCredentialBlocked   = errors.New("credential blocked")
)
