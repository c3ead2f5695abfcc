package auth

import (
	"errors"
	"strings"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrRegistrationNotAllowed = errors.New("registration not allowed")
	ErrPasskeysUnavailable    = errors.New("passkey login unavailable")
)

// Coarse registration failure reasons returned to the client.
const (
	ReasonCancelled         = "cancelled"
	ReasonAlreadyRegistered = "already_registered"
	ReasonFailed            = "failed"
)

// RegistrationError reports a registration ceremony that did not produce a
// credential.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string { return "registration failed: " + e.Reason }

// ValidationError lists rejected request fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+" "+msg)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// clientErrorReason maps the DOMException name a browser reported for a
// failed navigator.credentials call.
func clientErrorReason(name string) string {
	switch name {
	case "NotAllowedError", "AbortError":
		return ReasonCancelled
	case "InvalidStateError":
		return ReasonAlreadyRegistered
	default:
		return ReasonFailed
	}
}

const maxUsernameLen = 64

func validateUsername(username string) error {
	switch {
	case strings.TrimSpace(username) == "":
		return &ValidationError{Fields: map[string]string{"username": "is required"}}
	case len(username) > maxUsernameLen:
		return &ValidationError{Fields: map[string]string{"username": "is too long"}}
	}
	return nil
}
