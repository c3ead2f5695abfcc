// Package auth runs the login and passkey ceremonies on top of the session
// store, and gates admin routes on an authenticated session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/metrics"
	"sitekeeper/admin-service/internal/session"
	"sitekeeper/admin-service/internal/store"
	"sitekeeper/admin-service/internal/webauthn"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
)

const maxDeviceNameLen = 64

type Service struct {
	users       store.UserStore
	engine      *webauthn.Engine
	sessions    *session.Store
	passwords   *Passwords
	allowSignup bool
	now         func() time.Time
}

type ServiceParams struct {
	Users       store.UserStore
	Engine      *webauthn.Engine
	Sessions    *session.Store
	Passwords   *Passwords
	AllowSignup bool
}

func NewService(p ServiceParams) *Service {
	return &Service{
		users:       p.Users,
		engine:      p.Engine,
		sessions:    p.Sessions,
		passwords:   p.Passwords,
		allowSignup: p.AllowSignup,
		now:         time.Now,
	}
}

// PasswordLogin checks a username and password and authenticates the
// session under a new ID. Every failure is ErrInvalidCredentials.
func (s *Service) PasswordLogin(ctx context.Context, sid, username, password string) (session.Session, error) {
	log := httputil.GetLogger(ctx)
	if username == "" || password == "" {
		return session.Session{}, &ValidationError{Fields: requiredFields(username, password)}
	}
	u, err := s.users.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.passwords.Check("", password)
		metrics.LoginAttempts.WithLabelValues("password", "failure").Inc()
		log.Warn().Msg("password login failed")
		return session.Session{}, ErrInvalidCredentials
	case err != nil:
		return session.Session{}, err
	}
	if !s.passwords.Check(u.PasswordHash, password) {
		metrics.LoginAttempts.WithLabelValues("password", "failure").Inc()
		log.Warn().Msg("password login failed")
		return session.Session{}, ErrInvalidCredentials
	}
	sess, err := s.sessions.Authenticate(sid, u.ID, u.Username)
	if err != nil {
		return session.Session{}, err
	}
	metrics.LoginAttempts.WithLabelValues("password", "success").Inc()
	log.Info().Str("user_id", u.ID).Msg("password login")
	return sess, nil
}

func requiredFields(username, password string) map[string]string {
	f := map[string]string{}
	if username == "" {
		f["username"] = "is required"
	}
	if password == "" {
		f["password"] = "is required"
	}
	return f
}

// BeginRegistration starts a passkey registration for username when the
// session may register for that user.
func (s *Service) BeginRegistration(ctx context.Context, sid, username string) (*protocol.CredentialCreation, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	sess, ok := s.sessions.Get(sid)
	if !ok {
		return nil, session.ErrNotFound
	}

	pending := session.PendingChallenge{Flow: session.FlowRegistration, Username: username}
	var existing []store.Credential
	u, err := s.users.FindByUsername(ctx, username)
	switch {
	case err == nil:
		pending.UserID = u.ID
		existing = u.Credentials
		switch {
		case sess.UserID == u.ID:
		case bootstrappable(u):
			pending.Bootstrap = true
		default:
			return nil, s.refuseRegistration(ctx, "begin")
		}
	case errors.Is(err, store.ErrNotFound):
		if !s.allowSignup {
			return nil, s.refuseRegistration(ctx, "begin")
		}
		pending.UserID = uuid.NewString()
		pending.NewUser = true
	default:
		return nil, err
	}

	creation, sd, err := s.engine.BeginRegistration(pending.UserID, username, existing)
	if err != nil {
		return nil, err
	}
	pending.Data = *sd
	if err := s.sessions.SetPending(sid, pending); err != nil {
		return nil, err
	}
	metrics.Ceremonies.WithLabelValues("registration", "begin", "ok").Inc()
	return creation, nil
}

// bootstrappable reports whether a provisioned user may enrol a first
// passkey without logging in.
func bootstrappable(u *store.User) bool {
	return u.PasswordHash == "" && len(u.Credentials) == 0
}

func (s *Service) refuseRegistration(ctx context.Context, stage string) error {
	metrics.Ceremonies.WithLabelValues("registration", stage, "refused").Inc()
	httputil.GetLogger(ctx).Warn().Str("stage", stage).Msg("passkey registration refused")
	return ErrRegistrationNotAllowed
}

// FinishRegistration verifies the attestation for the session's pending
// registration and stores the new credential. The pending challenge is
// consumed first, whatever the outcome.
func (s *Service) FinishRegistration(ctx context.Context, sid string, raw []byte, deviceName, clientError string) error {
	log := httputil.GetLogger(ctx)
	p, err := s.sessions.TakePending(sid, session.FlowRegistration)
	if err != nil {
		return err
	}
	if clientError != "" {
		return s.registrationFailed(ctx, clientErrorReason(clientError), "client reported "+clientError)
	}
	deviceName = strings.TrimSpace(deviceName)
	if len(deviceName) > maxDeviceNameLen {
		return &ValidationError{Fields: map[string]string{"deviceName": "is too long"}}
	}
	parsed, err := webauthn.ParseCreation(raw)
	if err != nil {
		metrics.Ceremonies.WithLabelValues("registration", "finish", "malformed").Inc()
		return err
	}

	// The authorization decided at begin must still hold.
	switch {
	case p.NewUser:
	case p.Bootstrap:
		u, err := s.users.FindByID(ctx, p.UserID)
		if err != nil {
			return err
		}
		if !bootstrappable(u) {
			return s.refuseRegistration(ctx, "finish")
		}
	default:
		if sess, ok := s.sessions.Get(sid); !ok || sess.UserID != p.UserID {
			return s.refuseRegistration(ctx, "finish")
		}
	}

	res, err := s.engine.FinishRegistration(p.UserID, p.Username, p.Data, parsed)
	if err != nil {
		return err
	}
	if !res.Verified {
		return s.registrationFailed(ctx, ReasonFailed, fmt.Sprint(res.Cause))
	}
	cred := res.Credential
	cred.DeviceName = deviceName

	switch {
	case p.NewUser:
		err = s.users.Create(ctx, &store.User{
			ID:          p.UserID,
			Username:    p.Username,
			Credentials: []store.Credential{cred},
			CreatedAt:   s.now().UTC(),
		})
	case p.Bootstrap:
		// Another bootstrap may have finished since the check above; the
		// store decides atomically.
		err = s.users.AppendFirstCredential(ctx, p.UserID, cred)
	default:
		err = s.users.AppendCredential(ctx, p.UserID, cred)
	}
	switch {
	case errors.Is(err, store.ErrBootstrapClosed):
		return s.refuseRegistration(ctx, "finish")
	case errors.Is(err, store.ErrDuplicateCredential):
		return s.registrationFailed(ctx, ReasonAlreadyRegistered, "credential id already stored")
	case errors.Is(err, store.ErrUsernameTaken):
		return s.registrationFailed(ctx, ReasonFailed, "username taken during ceremony")
	case err != nil:
		return err
	}
	metrics.Ceremonies.WithLabelValues("registration", "finish", "ok").Inc()
	log.Info().Str("user_id", p.UserID).Bool("new_user", p.NewUser).Bool("bootstrap", p.Bootstrap).Msg("passkey registered")
	return nil
}

func (s *Service) registrationFailed(ctx context.Context, reason, detail string) error {
	metrics.Ceremonies.WithLabelValues("registration", "finish", reason).Inc()
	httputil.GetLogger(ctx).Warn().Str("reason", reason).Str("detail", detail).Msg("passkey registration failed")
	return &RegistrationError{Reason: reason}
}

// Abandon consumes the session's pending challenge for a finish request
// rejected before it reached the ceremony, so the challenge cannot be
// answered again.
func (s *Service) Abandon(ctx context.Context, sid string, flow session.Flow) {
	if _, err := s.sessions.TakePending(sid, flow); errors.Is(err, session.ErrNoPending) {
		return
	}
	metrics.Ceremonies.WithLabelValues(string(flow), "finish", "malformed").Inc()
	httputil.GetLogger(ctx).Debug().Str("flow", string(flow)).Msg("pending challenge discarded")
}

// BeginLogin starts a passkey login. Unknown users and users without
// passkeys get the same ErrPasskeysUnavailable.
func (s *Service) BeginLogin(ctx context.Context, sid, username string) (*protocol.CredentialAssertion, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	u, err := s.users.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, s.loginUnavailable(ctx)
	case err != nil:
		return nil, err
	}
	assertion, sd, err := s.engine.BeginAuthentication(u.ID, u.Username, u.Credentials)
	if errors.Is(err, webauthn.ErrNoCredentials) {
		return nil, s.loginUnavailable(ctx)
	}
	if err != nil {
		return nil, err
	}
	err = s.sessions.SetPending(sid, session.PendingChallenge{
		Flow:     session.FlowAuthentication,
		Username: u.Username,
		UserID:   u.ID,
		Data:     *sd,
	})
	if err != nil {
		return nil, err
	}
	metrics.Ceremonies.WithLabelValues("authentication", "begin", "ok").Inc()
	return assertion, nil
}

func (s *Service) loginUnavailable(ctx context.Context) error {
	metrics.Ceremonies.WithLabelValues("authentication", "begin", "unavailable").Inc()
	httputil.GetLogger(ctx).Info().Msg("passkey login unavailable")
	return ErrPasskeysUnavailable
}

// FinishLogin verifies the assertion for the session's pending login,
// persists the new sign counter and authenticates the session under a new
// ID.
func (s *Service) FinishLogin(ctx context.Context, sid string, raw []byte, clientError string) (session.Session, error) {
	p, err := s.sessions.TakePending(sid, session.FlowAuthentication)
	if err != nil {
		return session.Session{}, err
	}
	if clientError != "" {
		return session.Session{}, s.loginFailed(ctx, "client reported "+clientError)
	}
	parsed, err := webauthn.ParseAssertion(raw)
	if err != nil {
		metrics.Ceremonies.WithLabelValues("authentication", "finish", "malformed").Inc()
		return session.Session{}, err
	}
	u, err := s.users.FindByID(ctx, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return session.Session{}, s.loginFailed(ctx, "user removed during ceremony")
	}
	if err != nil {
		return session.Session{}, err
	}

	res, err := s.engine.FinishAuthentication(u.ID, u.Username, p.Data, parsed, u.Credentials)
	if err != nil {
		return session.Session{}, err
	}
	if !res.Verified {
		if res.Reason == webauthn.ReasonCounterRegression {
			httputil.GetLogger(ctx).Warn().Str("user_id", u.ID).Str("credential_id", res.Credential.ID).
				Msg("sign counter regression, possible cloned authenticator")
		}
		return session.Session{}, s.loginFailed(ctx, res.Reason+": "+fmt.Sprint(res.Cause))
	}

	err = s.users.UpdateSignCounter(ctx, u.ID, res.Credential.ID, res.Credential.SignCounter, res.NewCounter, s.now())
	switch {
	case errors.Is(err, store.ErrCounterConflict), errors.Is(err, store.ErrNotFound):
		return session.Session{}, s.loginFailed(ctx, "credential changed during ceremony")
	case err != nil:
		return session.Session{}, err
	}

	sess, err := s.sessions.Authenticate(sid, u.ID, u.Username)
	if err != nil {
		return session.Session{}, err
	}
	metrics.Ceremonies.WithLabelValues("authentication", "finish", "ok").Inc()
	metrics.LoginAttempts.WithLabelValues("passkey", "success").Inc()
	httputil.GetLogger(ctx).Info().Str("user_id", u.ID).Bool("counter_unchanged", res.CounterUnchanged).Msg("passkey login")
	return sess, nil
}

func (s *Service) loginFailed(ctx context.Context, detail string) error {
	metrics.Ceremonies.WithLabelValues("authentication", "finish", "failed").Inc()
	metrics.LoginAttempts.WithLabelValues("passkey", "failure").Inc()
	httputil.GetLogger(ctx).Warn().Str("detail", detail).Msg("passkey login failed")
	return ErrAuthenticationFailed
}

// Logout drops the session.
func (s *Service) Logout(ctx context.Context, sid string) {
	s.sessions.Destroy(sid)
	httputil.GetLogger(ctx).Info().Msg("logout")
}

// Status reports the session's principal.
func (s *Service) Status(sid string) (username string, authenticated bool) {
	sess, ok := s.sessions.Get(sid)
	if !ok || !sess.Authenticated() {
		return "", false
	}
	return sess.Username, true
}
