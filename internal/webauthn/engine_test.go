package webauthn

import (
	"encoding/json"
	"testing"
	"time"

	"sitekeeper/admin-service/internal/store"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRPID   = "admin.example.com"
	testOrigin = "https://admin.example.com"
	testUserID = "7f1c2f3e-0000-4000-8000-000000000001"
)

var testRP = virtualwebauthn.RelyingParty{Name: "Sitekeeper", ID: testRPID, Origin: testOrigin}

func newEngine(t *testing.T, strict bool) *Engine {
	t.Helper()
	e, err := New(Options{
		RPID:          testRPID,
		RPName:        "Sitekeeper",
		Origins:       []string{testOrigin},
		Timeout:       60 * time.Second,
		StrictCounter: strict,
	})
	require.NoError(t, err)
	return e
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

// register runs a full registration against rp and returns the result.
func register(t *testing.T, e *Engine, rp virtualwebauthn.RelyingParty, dev *device, existing []store.Credential) RegistrationResult {
	t.Helper()
	creation, sd, err := e.BeginRegistration(testUserID, "alice", existing)
	require.NoError(t, err)

	optionsJSON, err := json.Marshal(creation.Response)
	require.NoError(t, err)
	opts, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	parsed, err := ParseCreation([]byte(virtualwebauthn.CreateAttestationResponse(rp, dev.auth, dev.cred, *opts)))
	require.NoError(t, err)

	res, err := e.FinishRegistration(testUserID, "alice", *sd, parsed)
	require.NoError(t, err)
	if res.Verified {
		dev.auth.AddCredential(dev.cred)
	}
	return res
}

func login(t *testing.T, e *Engine, rp virtualwebauthn.RelyingParty, dev *device, stored []store.Credential) AuthenticationResult {
	t.Helper()
	assertion, sd, err := e.BeginAuthentication(testUserID, "alice", stored)
	require.NoError(t, err)

	optionsJSON, err := json.Marshal(assertion.Response)
	require.NoError(t, err)
	opts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	parsed, err := ParseAssertion([]byte(virtualwebauthn.CreateAssertionResponse(rp, dev.auth, dev.cred, *opts)))
	require.NoError(t, err)

	res, err := e.FinishAuthentication(testUserID, "alice", *sd, parsed, stored)
	require.NoError(t, err)
	return res
}

func TestBeginRegistration_Options(t *testing.T) {
	e := newEngine(t, true)

	creation, sd, err := e.BeginRegistration(testUserID, "alice", nil)
	require.NoError(t, err)

	opts := creation.Response
	assert.Equal(t, testRPID, opts.RelyingParty.ID)
	assert.Equal(t, "alice", opts.User.Name)
	assert.Empty(t, opts.CredentialExcludeList)
	assert.Equal(t, protocol.PreferNoAttestation, opts.Attestation)
	assert.Equal(t, protocol.CrossPlatform, opts.AuthenticatorSelection.AuthenticatorAttachment)
	assert.Equal(t, protocol.VerificationPreferred, opts.AuthenticatorSelection.UserVerification)
	assert.Equal(t, 60000, opts.Timeout)
	require.Len(t, opts.Parameters, 2)
	assert.Equal(t, webauthncose.AlgES256, opts.Parameters[0].Algorithm)
	assert.Equal(t, webauthncose.AlgRS256, opts.Parameters[1].Algorithm)

	assert.NotEmpty(t, sd.Challenge)
	assert.Equal(t, []byte(testUserID), sd.UserID)
}

func TestBeginRegistration_RejectsEmptyIdentity(t *testing.T) {
	e := newEngine(t, true)
	_, _, err := e.BeginRegistration("", "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = e.BeginRegistration(testUserID, "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegistration_RoundTripAndExclusions(t *testing.T) {
	e := newEngine(t, true)

	var stored []store.Credential
	for i := 0; i < 3; i++ {
		res := register(t, e, testRP, newDevice(), stored)
		require.True(t, res.Verified, "registration %d: %v", i, res.Cause)
		assert.NotEmpty(t, res.Credential.ID)
		assert.NotEmpty(t, res.Credential.PublicKey)
		assert.Equal(t, uint32(0), res.Credential.SignCounter)
		stored = append(stored, res.Credential)
	}

	creation, _, err := e.BeginRegistration(testUserID, "alice", stored)
	require.NoError(t, err)
	excluded := creation.Response.CredentialExcludeList
	require.Len(t, excluded, len(stored))
	for i, d := range excluded {
		assert.Equal(t, stored[i].ID, b64.EncodeToString(d.CredentialID))
		assert.Equal(t, protocol.PublicKeyCredentialType, d.Type)
	}
}

func TestFinishRegistration_Mismatches(t *testing.T) {
	e := newEngine(t, true)

	cases := map[string]virtualwebauthn.RelyingParty{
		"origin": {Name: "Sitekeeper", ID: testRPID, Origin: "https://evil.example.net"},
		"rp id":  {Name: "Sitekeeper", ID: "evil.example.net", Origin: testOrigin},
	}
	for name, rp := range cases {
		t.Run(name, func(t *testing.T) {
			res := register(t, e, rp, newDevice(), nil)
			assert.False(t, res.Verified)
			assert.Equal(t, ReasonVerificationFailed, res.Reason)
			assert.Error(t, res.Cause)
		})
	}
}

func TestFinishRegistration_ChallengeFromAnotherCeremony(t *testing.T) {
	e := newEngine(t, true)
	dev := newDevice()

	creation, _, err := e.BeginRegistration(testUserID, "alice", nil)
	require.NoError(t, err)
	_, otherSD, err := e.BeginRegistration(testUserID, "alice", nil)
	require.NoError(t, err)

	optionsJSON, _ := json.Marshal(creation.Response)
	opts, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)
	parsed, err := ParseCreation([]byte(virtualwebauthn.CreateAttestationResponse(testRP, dev.auth, dev.cred, *opts)))
	require.NoError(t, err)

	res, err := e.FinishRegistration(testUserID, "alice", *otherSD, parsed)
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestBeginAuthentication(t *testing.T) {
	e := newEngine(t, true)

	_, _, err := e.BeginAuthentication(testUserID, "alice", nil)
	assert.ErrorIs(t, err, ErrNoCredentials)

	dev := newDevice()
	res := register(t, e, testRP, dev, nil)
	require.True(t, res.Verified)

	assertion, sd, err := e.BeginAuthentication(testUserID, "alice", []store.Credential{res.Credential})
	require.NoError(t, err)
	allowed := assertion.Response.AllowedCredentials
	require.Len(t, allowed, 1)
	assert.Equal(t, res.Credential.ID, b64.EncodeToString(allowed[0].CredentialID))
	assert.Equal(t, protocol.VerificationPreferred, assertion.Response.UserVerification)
	assert.NotEmpty(t, sd.Challenge)
}

func TestAuthentication_CounterlessAuthenticator(t *testing.T) {
	e := newEngine(t, true)
	dev := newDevice()
	reg := register(t, e, testRP, dev, nil)
	require.True(t, reg.Verified)

	res := login(t, e, testRP, dev, []store.Credential{reg.Credential})
	require.True(t, res.Verified, "%v", res.Cause)
	assert.True(t, res.CounterUnchanged)
	assert.Equal(t, uint32(0), res.NewCounter)
	assert.Equal(t, reg.Credential.ID, res.Credential.ID)
}

func TestAuthentication_StrictCounter(t *testing.T) {
	e := newEngine(t, true)
	dev := newDevice()
	reg := register(t, e, testRP, dev, nil)
	require.True(t, reg.Verified)
	stored := reg.Credential

	dev.cred.Counter = 5
	res := login(t, e, testRP, dev, []store.Credential{stored})
	require.True(t, res.Verified, "%v", res.Cause)
	assert.Equal(t, uint32(5), res.NewCounter)
	assert.False(t, res.CounterUnchanged)
	stored.SignCounter = res.NewCounter

	for _, counter := range []uint32{5, 3} {
		dev.cred.Counter = counter
		res = login(t, e, testRP, dev, []store.Credential{stored})
		assert.False(t, res.Verified, "counter %d must be rejected", counter)
		assert.Equal(t, ReasonCounterRegression, res.Reason)
	}
}

func TestAuthentication_LenientCounter(t *testing.T) {
	e := newEngine(t, false)
	dev := newDevice()
	reg := register(t, e, testRP, dev, nil)
	require.True(t, reg.Verified)
	stored := reg.Credential
	stored.SignCounter = 9

	dev.cred.Counter = 4
	res := login(t, e, testRP, dev, []store.Credential{stored})
	require.True(t, res.Verified, "%v", res.Cause)
	assert.True(t, res.CounterUnchanged)
	assert.Equal(t, uint32(9), res.NewCounter, "counter never moves backwards")
}

func TestAuthentication_OriginMismatch(t *testing.T) {
	e := newEngine(t, true)
	dev := newDevice()
	reg := register(t, e, testRP, dev, nil)
	require.True(t, reg.Verified)

	evil := virtualwebauthn.RelyingParty{Name: "Sitekeeper", ID: testRPID, Origin: "https://evil.example.net"}
	dev.cred.Counter = 1
	res := login(t, e, evil, dev, []store.Credential{reg.Credential})
	assert.False(t, res.Verified)
	assert.Equal(t, ReasonVerificationFailed, res.Reason)
}

func TestAuthentication_UnknownCredential(t *testing.T) {
	e := newEngine(t, true)
	known := newDevice()
	reg := register(t, e, testRP, known, nil)
	require.True(t, reg.Verified)

	other := newDevice()
	other.auth.AddCredential(other.cred)

	assertion, sd, err := e.BeginAuthentication(testUserID, "alice", []store.Credential{reg.Credential})
	require.NoError(t, err)
	optionsJSON, _ := json.Marshal(assertion.Response)
	opts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)
	parsed, err := ParseAssertion([]byte(virtualwebauthn.CreateAssertionResponse(testRP, other.auth, other.cred, *opts)))
	require.NoError(t, err)

	res, err := e.FinishAuthentication(testUserID, "alice", *sd, parsed, []store.Credential{reg.Credential})
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, ReasonUnknownCredential, res.Reason)
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{``, `{`, `{"id":"x","type":"public-key"}`} {
		_, err := ParseCreation([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedResponse, "creation %q", raw)
		_, err = ParseAssertion([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedResponse, "assertion %q", raw)
	}
}

func TestCredentialConversion(t *testing.T) {
	c := store.Credential{
		ID:          b64.EncodeToString([]byte{1, 2, 3}),
		PublicKey:   b64.EncodeToString([]byte{4, 5}),
		SignCounter: 7,
		Transports:  []string{"usb", "nfc"},
		AAGUID:      b64.EncodeToString(make([]byte, 16)),
	}
	wc, err := toLibrary(c)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, wc.ID)
	assert.Equal(t, uint32(7), wc.Authenticator.SignCount)
	assert.Equal(t, []protocol.AuthenticatorTransport{protocol.USB, protocol.NFC}, wc.Transport)

	back := fromLibrary(&wc, "key", time.Now())
	assert.Equal(t, c.ID, back.ID)
	assert.Equal(t, c.Transports, back.Transports)
	assert.Equal(t, "key", back.DeviceName)

	_, err = toLibrary(store.Credential{ID: "!!"})
	assert.Error(t, err)
}
