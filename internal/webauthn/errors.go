package webauthn

import "errors"

var (
	ErrInvalidInput      = errors.New("user id and username are required")
	ErrNoCredentials     = errors.New("user has no registered credentials")
	ErrMalformedResponse = errors.New("malformed authenticator response")
)

// Reasons reported on unverified results.
const (
	ReasonVerificationFailed = "verification_failed"
	ReasonCounterRegression  = "counter_regression"
	ReasonUnknownCredential  = "unknown_credential"
)
