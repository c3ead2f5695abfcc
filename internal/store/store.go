// Package store defines the user and credential records the authentication
// core persists, and the interface both backends implement.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUsernameTaken       = errors.New("username already exists")
	ErrDuplicateCredential = errors.New("credential already registered")
	ErrCounterConflict     = errors.New("sign counter changed concurrently")
	ErrBootstrapClosed     = errors.New("user already has a password or credential")
)

// Credential is one registered authenticator. Binary fields are base64url
// without padding.
type Credential struct {
	ID              string     `json:"id"`
	PublicKey       string     `json:"publicKey"`
	SignCounter     uint32     `json:"signCounter"`
	Transports      []string   `json:"transports,omitempty"`
	DeviceName      string     `json:"deviceName,omitempty"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	AttestationType string     `json:"attestationType,omitempty"`
	AAGUID          string     `json:"aaguid,omitempty"`
	BackupEligible  bool       `json:"backupEligible"`
	BackupState     bool       `json:"backupState"`
	UserVerified    bool       `json:"userVerified"`
}

// User is one administrative principal.
type User struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"passwordHash,omitempty"`
	Credentials  []Credential `json:"credentials"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Credential returns the credential with the given ID.
func (u *User) Credential(id string) (Credential, bool) {
	for _, c := range u.Credentials {
		if c.ID == id {
			return c, true
		}
	}
	return Credential{}, false
}

// Clone returns a deep copy so callers never share slices with a backend.
func (u *User) Clone() *User {
	cp := *u
	cp.Credentials = make([]Credential, len(u.Credentials))
	for i, c := range u.Credentials {
		c.Transports = append([]string(nil), c.Transports...)
		if c.LastUsedAt != nil {
			t := *c.LastUsedAt
			c.LastUsedAt = &t
		}
		cp.Credentials[i] = c
	}
	return &cp
}

// UserStore is the capability set the authentication core depends on.
// Implementations must make AppendCredential and UpdateSignCounter atomic
// with respect to concurrent callers.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	// Create inserts a user together with any credentials it already holds.
	Create(ctx context.Context, u *User) error
	SetPasswordHash(ctx context.Context, userID, hash string) error
	// AppendCredential fails with ErrDuplicateCredential if the credential ID
	// exists under any user.
	AppendCredential(ctx context.Context, userID string, c Credential) error
	// AppendFirstCredential appends c only while the user has neither a
	// password nor any credential, checked and written atomically;
	// otherwise it returns ErrBootstrapClosed.
	AppendFirstCredential(ctx context.Context, userID string, c Credential) error
	// UpdateSignCounter writes next only if the stored counter still equals
	// expected; otherwise it returns ErrCounterConflict.
	UpdateSignCounter(ctx context.Context, userID, credentialID string, expected, next uint32, usedAt time.Time) error
	RenameCredential(ctx context.Context, userID, credentialID, name string) error
	Ping(ctx context.Context) error
	Close() error
}
