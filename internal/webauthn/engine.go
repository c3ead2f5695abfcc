// Package webauthn builds passkey ceremony options and verifies authenticator
// responses against the relying party configuration. It holds no state: the
// caller keeps the session data between the two halves of a ceremony.
package webauthn

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitekeeper/admin-service/internal/metrics"
	"sitekeeper/admin-service/internal/store"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Options configures the relying party.
type Options struct {
	RPID    string
	RPName  string
	Origins []string
	// Timeout is the advisory ceremony timeout sent to the browser.
	Timeout time.Duration
	// StrictCounter rejects assertions whose counter does not increase,
	// except when both stored and reported counters are zero.
	StrictCounter           bool
	RequireUserVerification bool
}

type Engine struct {
	wa   *webauthn.WebAuthn
	opts Options
	uv   protocol.UserVerificationRequirement
	now  func() time.Time
}

// RegistrationResult is the outcome of verifying an attestation. A failed
// verification is a result, not an error.
type RegistrationResult struct {
	Verified   bool
	Credential store.Credential
	Reason     string
	Cause      error
}

type AuthenticationResult struct {
	Verified bool
	// Credential is the stored credential the assertion was made with.
	Credential store.Credential
	NewCounter uint32
	// CounterUnchanged is set for authenticators that do not count (both
	// counters zero) and for tolerated regressions when not strict.
	CounterUnchanged bool
	Reason           string
	Cause            error
}

var supportedAlgorithms = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

func New(o Options) (*Engine, error) {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	uv := protocol.VerificationPreferred
	if o.RequireUserVerification {
		uv = protocol.VerificationRequired
	}
	e := &Engine{opts: o, uv: uv, now: time.Now}
	// Challenge lifetime is enforced by the session store, so the library
	// only advertises the timeout.
	wa, err := webauthn.New(&webauthn.Config{
		RPID:                   o.RPID,
		RPDisplayName:          o.RPName,
		RPOrigins:              o.Origins,
		AttestationPreference:  protocol.PreferNoAttestation,
		AuthenticatorSelection: e.selection(),
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Timeout: o.Timeout, TimeoutUVD: o.Timeout},
			Registration: webauthn.TimeoutConfig{Timeout: o.Timeout, TimeoutUVD: o.Timeout},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn init: %w", err)
	}
	e.wa = wa
	return e, nil
}

func (e *Engine) selection() protocol.AuthenticatorSelection {
	return protocol.AuthenticatorSelection{
		AuthenticatorAttachment: protocol.CrossPlatform,
		RequireResidentKey:      protocol.ResidentKeyNotRequired(),
		ResidentKey:             protocol.ResidentKeyRequirementDiscouraged,
		UserVerification:        e.uv,
	}
}

// BeginRegistration builds creation options that exclude every credential
// the user already holds.
func (e *Engine) BeginRegistration(userID, username string, existing []store.Credential) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	p, err := newPrincipal(userID, username, existing)
	if err != nil {
		return nil, nil, err
	}
	creation, sd, err := e.wa.BeginRegistration(p,
		webauthn.WithExclusions(descriptors(p.credentials)),
		webauthn.WithCredentialParameters(supportedAlgorithms),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		webauthn.WithAuthenticatorSelection(e.selection()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("begin registration: %w", err)
	}
	return creation, sd, nil
}

// FinishRegistration verifies an attestation against the session data that
// BeginRegistration produced for the same user.
func (e *Engine) FinishRegistration(userID, username string, sd webauthn.SessionData, parsed *protocol.ParsedCredentialCreationData) (RegistrationResult, error) {
	p, err := newPrincipal(userID, username, nil)
	if err != nil {
		return RegistrationResult{}, err
	}
	start := e.now()
	cred, err := e.wa.CreateCredential(p, sd, parsed)
	metrics.CeremonyDuration.WithLabelValues("registration").Observe(time.Since(start).Seconds())
	if err != nil {
		return RegistrationResult{Reason: ReasonVerificationFailed, Cause: describe(err)}, nil
	}
	return RegistrationResult{Verified: true, Credential: fromLibrary(cred, "", e.now())}, nil
}

// BeginAuthentication builds request options allowing exactly creds.
func (e *Engine) BeginAuthentication(userID, username string, creds []store.Credential) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if len(creds) == 0 {
		return nil, nil, ErrNoCredentials
	}
	p, err := newPrincipal(userID, username, creds)
	if err != nil {
		return nil, nil, err
	}
	assertion, sd, err := e.wa.BeginLogin(p, webauthn.WithUserVerification(e.uv))
	if err != nil {
		return nil, nil, fmt.Errorf("begin login: %w", err)
	}
	return assertion, sd, nil
}

// FinishAuthentication verifies an assertion and applies the counter
// policy. The caller persists NewCounter.
func (e *Engine) FinishAuthentication(userID, username string, sd webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData, stored []store.Credential) (AuthenticationResult, error) {
	p, err := newPrincipal(userID, username, stored)
	if err != nil {
		return AuthenticationResult{}, err
	}
	credID := b64.EncodeToString(parsed.RawID)
	var (
		matched store.Credential
		found   bool
	)
	for _, c := range stored {
		if c.ID == credID {
			matched, found = c, true
			break
		}
	}
	if !found {
		return AuthenticationResult{Reason: ReasonUnknownCredential}, nil
	}

	start := e.now()
	_, err = e.wa.ValidateLogin(p, sd, parsed)
	metrics.CeremonyDuration.WithLabelValues("authentication").Observe(time.Since(start).Seconds())
	if err != nil {
		return AuthenticationResult{Credential: matched, Reason: ReasonVerificationFailed, Cause: describe(err)}, nil
	}

	res := AuthenticationResult{Verified: true, Credential: matched}
	reported := parsed.Response.AuthenticatorData.Counter
	switch {
	case reported == 0 && matched.SignCounter == 0:
		res.CounterUnchanged = true
	case reported > matched.SignCounter:
		res.NewCounter = reported
	case e.opts.StrictCounter:
		metrics.CounterRegressions.Inc()
		return AuthenticationResult{
			Credential: matched,
			Reason:     ReasonCounterRegression,
			Cause:      fmt.Errorf("counter %d not above stored %d", reported, matched.SignCounter),
		}, nil
	default:
		res.NewCounter = matched.SignCounter
		res.CounterUnchanged = true
	}
	return res, nil
}

// ParseCreation decodes a browser attestation response.
func ParseCreation(raw []byte) (*protocol.ParsedCredentialCreationData, error) {
	var ccr protocol.CredentialCreationResponse
	if err := json.Unmarshal(raw, &ccr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	parsed, err := ccr.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, describe(err))
	}
	return parsed, nil
}

// ParseAssertion decodes a browser assertion response.
func ParseAssertion(raw []byte) (*protocol.ParsedCredentialAssertionData, error) {
	var car protocol.CredentialAssertionResponse
	if err := json.Unmarshal(raw, &car); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	parsed, err := car.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, describe(err))
	}
	return parsed, nil
}

// describe keeps the library's error type and developer info, which its
// Error() omits.
func describe(err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.DevInfo != "" {
		return fmt.Errorf("%s: %s (%s)", pe.Type, pe.Details, pe.DevInfo)
	}
	return err
}
