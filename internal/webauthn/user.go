package webauthn

import (
	"encoding/base64"
	"fmt"
	"time"

	"sitekeeper/admin-service/internal/store"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

var b64 = base64.RawURLEncoding

// principal adapts a stored user to webauthn.User for one ceremony.
type principal struct {
	id          []byte
	name        string
	credentials []webauthn.Credential
}

func (p *principal) WebAuthnID() []byte                         { return p.id }
func (p *principal) WebAuthnName() string                       { return p.name }
func (p *principal) WebAuthnDisplayName() string                { return p.name }
func (p *principal) WebAuthnCredentials() []webauthn.Credential { return p.credentials }

func newPrincipal(userID, username string, creds []store.Credential) (*principal, error) {
	if userID == "" || username == "" {
		return nil, ErrInvalidInput
	}
	p := &principal{id: []byte(userID), name: username}
	for _, c := range creds {
		wc, err := toLibrary(c)
		if err != nil {
			return nil, err
		}
		p.credentials = append(p.credentials, wc)
	}
	return p, nil
}

func toLibrary(c store.Credential) (webauthn.Credential, error) {
	id, err := b64.DecodeString(c.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("credential %s: bad id: %w", c.ID, err)
	}
	pub, err := b64.DecodeString(c.PublicKey)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("credential %s: bad public key: %w", c.ID, err)
	}
	aaguid, err := b64.DecodeString(c.AAGUID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("credential %s: bad aaguid: %w", c.ID, err)
	}
	return webauthn.Credential{
		ID:              id,
		PublicKey:       pub,
		AttestationType: c.AttestationType,
		Transport:       transports(c.Transports),
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			UserVerified:   c.UserVerified,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    aaguid,
			SignCount: c.SignCounter,
		},
	}, nil
}

func fromLibrary(wc *webauthn.Credential, deviceName string, now time.Time) store.Credential {
	ts := make([]string, 0, len(wc.Transport))
	for _, t := range wc.Transport {
		ts = append(ts, string(t))
	}
	return store.Credential{
		ID:              b64.EncodeToString(wc.ID),
		PublicKey:       b64.EncodeToString(wc.PublicKey),
		SignCounter:     wc.Authenticator.SignCount,
		Transports:      ts,
		DeviceName:      deviceName,
		RegisteredAt:    now.UTC(),
		AttestationType: wc.AttestationType,
		AAGUID:          b64.EncodeToString(wc.Authenticator.AAGUID),
		BackupEligible:  wc.Flags.BackupEligible,
		BackupState:     wc.Flags.BackupState,
		UserVerified:    wc.Flags.UserVerified,
	}
}

func transports(ts []string) []protocol.AuthenticatorTransport {
	if len(ts) == 0 {
		return nil
	}
	out := make([]protocol.AuthenticatorTransport, len(ts))
	for i, t := range ts {
		out[i] = protocol.AuthenticatorTransport(t)
	}
	return out
}

func descriptors(creds []webauthn.Credential) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
			Transport:    c.Transport,
		})
	}
	return out
}
