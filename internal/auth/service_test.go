package auth

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"sitekeeper/admin-service/internal/session"
	"sitekeeper/admin-service/internal/store"
	"sitekeeper/admin-service/internal/store/jsonfile"
	"sitekeeper/admin-service/internal/webauthn"

	"github.com/descope/virtualwebauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testRPID   = "admin.example.com"
	testOrigin = "https://admin.example.com"
)

type testEnv struct {
	svc      *Service
	users    *jsonfile.Store
	sessions *session.Store
	rp       virtualwebauthn.RelyingParty
}

type device struct {
	auth virtualwebauthn.Authenticator
	cred virtualwebauthn.Credential
}

func newDevice() *device {
	return &device{
		auth: virtualwebauthn.NewAuthenticator(),
		cred: virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2),
	}
}

func newTestEnv(t *testing.T, allowSignup bool, challengeTTL time.Duration) *testEnv {
	t.Helper()
	users, err := jsonfile.Open(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	engine, err := webauthn.New(webauthn.Options{
		RPID: testRPID, RPName: "Sitekeeper", Origins: []string{testOrigin}, StrictCounter: true,
	})
	require.NoError(t, err)
	pw, err := NewPasswords(bcrypt.MinCost)
	require.NoError(t, err)
	sessions := session.NewStore(time.Hour, challengeTTL, 100)
	return &testEnv{
		svc: NewService(ServiceParams{
			Users: users, Engine: engine, Sessions: sessions, Passwords: pw, AllowSignup: allowSignup,
		}),
		users:    users,
		sessions: sessions,
		rp:       virtualwebauthn.RelyingParty{Name: "Sitekeeper", ID: testRPID, Origin: testOrigin},
	}
}

func (e *testEnv) newSession(t *testing.T) string {
	t.Helper()
	sess, err := e.sessions.Create()
	require.NoError(t, err)
	return sess.ID
}

func (e *testEnv) seedUser(t *testing.T, username, password string) *store.User {
	t.Helper()
	u := &store.User{ID: "id-" + username, Username: username, CreatedAt: time.Now().UTC()}
	if password != "" {
		h, err := e.svc.passwords.Hash(password)
		require.NoError(t, err)
		u.PasswordHash = h
	}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

// attestation runs BeginRegistration and returns the authenticator's answer.
func (e *testEnv) attestation(t *testing.T, sid, username string, dev *device) ([]byte, error) {
	t.Helper()
	creation, err := e.svc.BeginRegistration(context.Background(), sid, username)
	if err != nil {
		return nil, err
	}
	optionsJSON, err := json.Marshal(creation.Response)
	require.NoError(t, err)
	opts, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)
	return []byte(virtualwebauthn.CreateAttestationResponse(e.rp, dev.auth, dev.cred, *opts)), nil
}

func (e *testEnv) register(t *testing.T, sid, username string, dev *device) error {
	t.Helper()
	raw, err := e.attestation(t, sid, username, dev)
	if err != nil {
		return err
	}
	if err := e.svc.FinishRegistration(context.Background(), sid, raw, "YubiKey", ""); err != nil {
		return err
	}
	dev.auth.AddCredential(dev.cred)
	return nil
}

func (e *testEnv) assertion(t *testing.T, sid, username string, dev *device) ([]byte, error) {
	t.Helper()
	assertion, err := e.svc.BeginLogin(context.Background(), sid, username)
	if err != nil {
		return nil, err
	}
	optionsJSON, err := json.Marshal(assertion.Response)
	require.NoError(t, err)
	opts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)
	return []byte(virtualwebauthn.CreateAssertionResponse(e.rp, dev.auth, dev.cred, *opts)), nil
}

func (e *testEnv) login(t *testing.T, sid, username string, dev *device) (session.Session, error) {
	t.Helper()
	raw, err := e.assertion(t, sid, username, dev)
	if err != nil {
		return session.Session{}, err
	}
	return e.svc.FinishLogin(context.Background(), sid, raw, "")
}

func TestPasswordLogin(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	env.seedUser(t, "alice", "correct horse")
	env.seedUser(t, "nopass", "")
	ctx := context.Background()

	for name, tc := range map[string]struct{ user, pass string }{
		"unknown user":   {"mallory", "correct horse"},
		"wrong password": {"alice", "battery staple"},
		"no hash":        {"nopass", "anything"},
	} {
		t.Run(name, func(t *testing.T) {
			sid := env.newSession(t)
			_, err := env.svc.PasswordLogin(ctx, sid, tc.user, tc.pass)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
			sess, ok := env.sessions.Get(sid)
			require.True(t, ok)
			assert.False(t, sess.Authenticated())
		})
	}

	sid := env.newSession(t)
	_, err := env.svc.PasswordLogin(ctx, sid, "", "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "username")
	assert.Contains(t, verr.Fields, "password")

	sess, err := env.svc.PasswordLogin(ctx, sid, "alice", "correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, sid, sess.ID, "login rotates the session id")
	assert.Equal(t, "alice", sess.Username)
	_, ok := env.sessions.Get(sid)
	assert.False(t, ok)

	username, authed := env.svc.Status(sess.ID)
	assert.True(t, authed)
	assert.Equal(t, "alice", username)
}

func TestRegistration_BootstrapThenLogin(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	admin := env.seedUser(t, "admin", "")
	dev := newDevice()

	sid := env.newSession(t)
	require.NoError(t, env.register(t, sid, "admin", dev))

	u, err := env.users.FindByID(context.Background(), admin.ID)
	require.NoError(t, err)
	require.Len(t, u.Credentials, 1)
	assert.Equal(t, "YubiKey", u.Credentials[0].DeviceName)

	// Bootstrap is a one-time door.
	_, err = env.attestation(t, env.newSession(t), "admin", newDevice())
	assert.ErrorIs(t, err, ErrRegistrationNotAllowed)

	dev.cred.Counter = 1
	sess, err := env.login(t, sid, "admin", dev)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, sess.UserID)
	assert.NotEqual(t, sid, sess.ID)

	u, err = env.users.FindByID(context.Background(), admin.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), u.Credentials[0].SignCounter)
	assert.NotNil(t, u.Credentials[0].LastUsedAt)
}

func TestRegistration_BootstrapRecheckedAtFinish(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	admin := env.seedUser(t, "admin", "")

	sid := env.newSession(t)
	raw, err := env.attestation(t, sid, "admin", newDevice())
	require.NoError(t, err)

	// Someone else sets a password while the ceremony is in flight.
	require.NoError(t, env.users.SetPasswordHash(context.Background(), admin.ID, "$2a$04$x"))

	err = env.svc.FinishRegistration(context.Background(), sid, raw, "", "")
	assert.ErrorIs(t, err, ErrRegistrationNotAllowed)
}

// staleUsers answers FindByID with a snapshot, the view a finisher has
// between its precondition check and its write while another finisher wins.
type staleUsers struct {
	*jsonfile.Store
	snapshot *store.User
}

func (s *staleUsers) FindByID(ctx context.Context, id string) (*store.User, error) {
	if id == s.snapshot.ID {
		return s.snapshot.Clone(), nil
	}
	return s.Store.FindByID(ctx, id)
}

func TestRegistration_ConcurrentBootstrapSingleWinner(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	admin := env.seedUser(t, "admin", "")
	env.svc.users = &staleUsers{Store: env.users, snapshot: admin.Clone()}

	first, second := env.newSession(t), env.newSession(t)
	rawFirst, err := env.attestation(t, first, "admin", newDevice())
	require.NoError(t, err)
	rawSecond, err := env.attestation(t, second, "admin", newDevice())
	require.NoError(t, err)

	require.NoError(t, env.svc.FinishRegistration(context.Background(), first, rawFirst, "", ""))
	err = env.svc.FinishRegistration(context.Background(), second, rawSecond, "", "")
	assert.ErrorIs(t, err, ErrRegistrationNotAllowed)

	u, err := env.users.FindByID(context.Background(), admin.ID)
	require.NoError(t, err)
	assert.Len(t, u.Credentials, 1)
}

func TestRegistration_Signup(t *testing.T) {
	ctx := context.Background()

	closed := newTestEnv(t, false, time.Minute)
	_, err := closed.attestation(t, closed.newSession(t), "newbie", newDevice())
	assert.ErrorIs(t, err, ErrRegistrationNotAllowed)

	open := newTestEnv(t, true, time.Minute)
	require.NoError(t, open.register(t, open.newSession(t), "newbie", newDevice()))
	u, err := open.users.FindByUsername(ctx, "newbie")
	require.NoError(t, err)
	assert.Len(t, u.Credentials, 1)
	assert.Len(t, u.ID, 36, "new users get a uuid")
}

func TestRegistration_AuthenticatedUserAddsPasskey(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	env.seedUser(t, "alice", "pw")
	ctx := context.Background()

	anon := env.newSession(t)
	_, err := env.attestation(t, anon, "alice", newDevice())
	assert.ErrorIs(t, err, ErrRegistrationNotAllowed, "password users must log in first")

	sess, err := env.svc.PasswordLogin(ctx, anon, "alice", "pw")
	require.NoError(t, err)
	require.NoError(t, env.register(t, sess.ID, "alice", newDevice()))

	creation, err := env.svc.BeginRegistration(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, creation.Response.CredentialExcludeList, 1)

	_, err = env.attestation(t, sess.ID, "bob-does-not-exist", newDevice())
	assert.ErrorIs(t, err, ErrRegistrationNotAllowed)
}

func TestFinishRegistration_ClientErrorClearsChallenge(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	env.seedUser(t, "admin", "")
	ctx := context.Background()
	sid := env.newSession(t)

	raw, err := env.attestation(t, sid, "admin", newDevice())
	require.NoError(t, err)

	err = env.svc.FinishRegistration(ctx, sid, nil, "", "NotAllowedError")
	var rerr *RegistrationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ReasonCancelled, rerr.Reason)

	err = env.svc.FinishRegistration(ctx, sid, raw, "", "")
	assert.ErrorIs(t, err, session.ErrNoPending)
}

func TestFinishRegistration_MalformedStillConsumes(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	env.seedUser(t, "admin", "")
	ctx := context.Background()
	sid := env.newSession(t)

	raw, err := env.attestation(t, sid, "admin", newDevice())
	require.NoError(t, err)

	err = env.svc.FinishRegistration(ctx, sid, []byte(`{"id":`), "", "")
	assert.ErrorIs(t, err, webauthn.ErrMalformedResponse)
	err = env.svc.FinishRegistration(ctx, sid, raw, "", "")
	assert.ErrorIs(t, err, session.ErrNoPending)
}

func TestFinishRegistration_ChallengeExpired(t *testing.T) {
	env := newTestEnv(t, false, time.Nanosecond)
	env.seedUser(t, "admin", "")
	sid := env.newSession(t)

	raw, err := env.attestation(t, sid, "admin", newDevice())
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	err = env.svc.FinishRegistration(context.Background(), sid, raw, "", "")
	assert.ErrorIs(t, err, session.ErrChallengeExpired)
}

func TestLogin_ChallengeIsSingleUse(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	env.seedUser(t, "admin", "")
	dev := newDevice()
	sid := env.newSession(t)
	require.NoError(t, env.register(t, sid, "admin", dev))

	dev.cred.Counter = 1
	raw, err := env.assertion(t, sid, "admin", dev)
	require.NoError(t, err)

	sess, err := env.svc.FinishLogin(context.Background(), sid, raw, "")
	require.NoError(t, err)

	_, err = env.svc.FinishLogin(context.Background(), sess.ID, raw, "")
	assert.ErrorIs(t, err, session.ErrNoPending)
}

func TestLogin_Unavailable(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	env.seedUser(t, "nokeys", "pw")
	ctx := context.Background()
	sid := env.newSession(t)

	_, errUnknown := env.svc.BeginLogin(ctx, sid, "ghost")
	_, errNoKeys := env.svc.BeginLogin(ctx, sid, "nokeys")
	assert.ErrorIs(t, errUnknown, ErrPasskeysUnavailable)
	assert.ErrorIs(t, errNoKeys, ErrPasskeysUnavailable)
	assert.Equal(t, errUnknown.Error(), errNoKeys.Error())
}

func TestLogin_CounterRegressionRejected(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	env.seedUser(t, "admin", "")
	dev := newDevice()
	sid := env.newSession(t)
	require.NoError(t, env.register(t, sid, "admin", dev))

	dev.cred.Counter = 10
	_, err := env.login(t, sid, "admin", dev)
	require.NoError(t, err)

	clone := env.newSession(t)
	dev.cred.Counter = 4
	_, err = env.login(t, clone, "admin", dev)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	s, ok := env.sessions.Get(clone)
	require.True(t, ok)
	assert.False(t, s.Authenticated())

	u, err := env.users.FindByUsername(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), u.Credentials[0].SignCounter)
}

func TestLogin_ClientError(t *testing.T) {
	env := newTestEnv(t, false, time.Minute)
	env.seedUser(t, "admin", "")
	dev := newDevice()
	sid := env.newSession(t)
	require.NoError(t, env.register(t, sid, "admin", dev))

	_, err := env.assertion(t, sid, "admin", dev)
	require.NoError(t, err)
	_, err = env.svc.FinishLogin(context.Background(), sid, nil, "NotAllowedError")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = env.svc.FinishLogin(context.Background(), sid, nil, "")
	assert.ErrorIs(t, err, session.ErrNoPending)
}

func TestPasswords(t *testing.T) {
	pw, err := NewPasswords(bcrypt.MinCost)
	require.NoError(t, err)
	h, err := pw.Hash("s3cret")
	require.NoError(t, err)
	assert.True(t, pw.Check(h, "s3cret"))
	assert.False(t, pw.Check(h, "S3cret"))
	assert.False(t, pw.Check("", "s3cret"))
}
