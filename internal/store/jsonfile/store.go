// Package jsonfile keeps users in a single JSON document on disk.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sitekeeper/admin-service/internal/store"
)

type document struct {
	Users []*store.User `json:"users"`
}

// Store serializes every mutation under one mutex and rewrites the file via
// a temp file and rename, so readers never observe a partial document.
type Store struct {
	mu    sync.Mutex
	path  string
	users []*store.User
}

var _ store.UserStore = (*Store)(nil)

// Open loads path, creating the parent directory if needed. A missing file
// is an empty store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("jsonfile: %w", err)
	}
	s := &Store{path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("jsonfile: read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("jsonfile: decode %s: %w", path, err)
	}
	s.users = doc.Users
	return s, nil
}

func (s *Store) FindByUsername(_ context.Context, username string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindByID(_ context.Context, id string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byID(id)
	if u == nil {
		return nil, store.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *Store) Create(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.ID == u.ID {
			return store.ErrUsernameTaken
		}
	}
	for _, c := range u.Credentials {
		if s.credentialOwner(c.ID) != nil {
			return store.ErrDuplicateCredential
		}
	}
	return s.mutate(func() { s.users = append(s.users, u.Clone()) })
}

func (s *Store) SetPasswordHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byID(userID)
	if u == nil {
		return store.ErrNotFound
	}
	old := u.PasswordHash
	return s.mutateOr(func() { u.PasswordHash = hash }, func() { u.PasswordHash = old })
}

func (s *Store) AppendCredential(_ context.Context, userID string, c store.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byID(userID)
	if u == nil {
		return store.ErrNotFound
	}
	if s.credentialOwner(c.ID) != nil {
		return store.ErrDuplicateCredential
	}
	n := len(u.Credentials)
	return s.mutateOr(
		func() { u.Credentials = append(u.Credentials, c) },
		func() { u.Credentials = u.Credentials[:n] },
	)
}

func (s *Store) AppendFirstCredential(_ context.Context, userID string, c store.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byID(userID)
	if u == nil {
		return store.ErrNotFound
	}
	if u.PasswordHash != "" || len(u.Credentials) > 0 {
		return store.ErrBootstrapClosed
	}
	if s.credentialOwner(c.ID) != nil {
		return store.ErrDuplicateCredential
	}
	return s.mutateOr(
		func() { u.Credentials = append(u.Credentials, c) },
		func() { u.Credentials = nil },
	)
}

func (s *Store) UpdateSignCounter(_ context.Context, userID, credentialID string, expected, next uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.credential(userID, credentialID)
	if c == nil {
		return store.ErrNotFound
	}
	if c.SignCounter != expected {
		return store.ErrCounterConflict
	}
	prev, prevUsed := c.SignCounter, c.LastUsedAt
	used := usedAt.UTC()
	return s.mutateOr(
		func() { c.SignCounter, c.LastUsedAt = next, &used },
		func() { c.SignCounter, c.LastUsedAt = prev, prevUsed },
	)
}

func (s *Store) RenameCredential(_ context.Context, userID, credentialID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.credential(userID, credentialID)
	if c == nil {
		return store.ErrNotFound
	}
	old := c.DeviceName
	return s.mutateOr(func() { c.DeviceName = name }, func() { c.DeviceName = old })
}

// Ping reports whether the backing directory is still writable.
func (s *Store) Ping(context.Context) error {
	f, err := os.CreateTemp(filepath.Dir(s.path), ".ping-*")
	if err != nil {
		return fmt.Errorf("jsonfile: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *Store) Close() error { return nil }

// ---- internals (callers hold mu) ----

func (s *Store) byID(id string) *store.User {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (s *Store) credential(userID, credentialID string) *store.Credential {
	u := s.byID(userID)
	if u == nil {
		return nil
	}
	for i := range u.Credentials {
		if u.Credentials[i].ID == credentialID {
			return &u.Credentials[i]
		}
	}
	return nil
}

func (s *Store) credentialOwner(credentialID string) *store.User {
	for _, u := range s.users {
		for _, c := range u.Credentials {
			if c.ID == credentialID {
				return u
			}
		}
	}
	return nil
}

func (s *Store) mutate(apply func()) error {
	n := len(s.users)
	return s.mutateOr(apply, func() { s.users = s.users[:n] })
}

// mutateOr applies a change and persists it, undoing the in-memory change if
// the write fails so memory and disk never diverge.
func (s *Store) mutateOr(apply, undo func()) error {
	apply()
	if err := s.flush(); err != nil {
		undo()
		return err
	}
	return nil
}

func (s *Store) flush() error {
	b, err := json.MarshalIndent(document{Users: s.users}, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("jsonfile: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonfile: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonfile: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonfile: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("jsonfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("jsonfile: rename: %w", err)
	}
	return nil
}
