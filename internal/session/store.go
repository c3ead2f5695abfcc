// Package session keeps server-side sessions in memory. Each session holds
// the authenticated principal, its CSRF token and at most one pending
// WebAuthn challenge.
package session

import (
	"container/list"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"sitekeeper/admin-service/internal/metrics"

	"github.com/go-webauthn/webauthn/webauthn"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrNoPending        = errors.New("no pending challenge")
	ErrChallengeExpired = errors.New("challenge expired")
)

// Flow tags which ceremony a pending challenge belongs to.
type Flow string

const (
	FlowRegistration   Flow = "registration"
	FlowAuthentication Flow = "authentication"
)

// PendingChallenge is the server half of an in-flight ceremony.
type PendingChallenge struct {
	Flow     Flow
	Username string
	UserID   string
	// NewUser marks a registration for a user that is created on success.
	NewUser bool
	// Bootstrap marks a first-credential registration for a provisioned
	// user; the precondition is re-checked at finish.
	Bootstrap bool
	Data      webauthn.SessionData
	IssuedAt  time.Time
}

type Session struct {
	ID        string
	UserID    string
	Username  string
	CSRFToken string
	Pending   *PendingChallenge
	CreatedAt time.Time
	LastSeen  time.Time
}

func (s Session) Authenticated() bool { return s.UserID != "" }

// Store holds sessions with an idle TTL and bounded cardinality via LRU.
// Anonymous and authenticated sessions sit in separate LRU lists; when full,
// the store evicts the oldest anonymous session and touches authenticated
// ones only when no anonymous session is left. Every accessor returns a copy.
type Store struct {
	mu           sync.Mutex
	data         map[string]*list.Element
	anon         *list.List // front = most recently used
	authed       *list.List
	ttl          time.Duration
	challengeTTL time.Duration
	cap          int
	now          func() time.Time
}

func NewStore(ttl, challengeTTL time.Duration, capacity int) *Store {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Store{
		data:         make(map[string]*list.Element, capacity/2),
		anon:         list.New(),
		authed:       list.New(),
		ttl:          ttl,
		challengeTTL: challengeTTL,
		cap:          capacity,
		now:          time.Now,
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create starts an anonymous session.
func (s *Store) Create() (Session, error) {
	id, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &Session{ID: id, CreatedAt: now, LastSeen: now}
	s.insert(sess)
	return copyOf(sess), nil
}

// Get returns the session and refreshes its idle timer.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookup(id)
	if sess == nil {
		return Session{}, false
	}
	return copyOf(sess), true
}

// EnsureCSRFToken returns the session's CSRF token, minting it on first use.
func (s *Store) EnsureCSRFToken(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookup(id)
	if sess == nil {
		return "", ErrNotFound
	}
	if sess.CSRFToken == "" {
		tok, err := randomToken()
		if err != nil {
			return "", err
		}
		sess.CSRFToken = tok
	}
	return sess.CSRFToken, nil
}

// CSRFToken returns the token without minting one.
func (s *Store) CSRFToken(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.lookup(id); sess != nil {
		return sess.CSRFToken
	}
	return ""
}

// SetPending replaces any pending challenge on the session.
func (s *Store) SetPending(id string, p PendingChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookup(id)
	if sess == nil {
		return ErrNotFound
	}
	if p.IssuedAt.IsZero() {
		p.IssuedAt = s.now()
	}
	sess.Pending = &p
	return nil
}

// TakePending atomically reads and clears the pending challenge. The
// challenge is cleared even when it is expired or belongs to another flow.
func (s *Store) TakePending(id string, flow Flow) (PendingChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookup(id)
	if sess == nil || sess.Pending == nil {
		return PendingChallenge{}, ErrNoPending
	}
	p := *sess.Pending
	sess.Pending = nil
	if p.Flow != flow {
		return PendingChallenge{}, ErrNoPending
	}
	if s.challengeTTL > 0 && s.now().Sub(p.IssuedAt) > s.challengeTTL {
		return PendingChallenge{}, ErrChallengeExpired
	}
	return p, nil
}

// Authenticate binds the principal to the session under a fresh ID and
// drops the old one. The CSRF token carries over; any pending challenge
// does not.
func (s *Store) Authenticate(id, userID, username string) (Session, error) {
	newID, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.lookup(id)
	if old == nil {
		return Session{}, ErrNotFound
	}
	s.remove(id)
	now := s.now()
	sess := &Session{
		ID:        newID,
		UserID:    userID,
		Username:  username,
		CSRFToken: old.CSRFToken,
		CreatedAt: now,
		LastSeen:  now,
	}
	s.insert(sess)
	return copyOf(sess), nil
}

// Destroy removes the session (idempotent).
func (s *Store) Destroy(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
}

// GC removes idle sessions and returns how many were dropped.
func (s *Store) GC() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, l := range []*list.List{s.anon, s.authed} {
		for el := l.Back(); el != nil; {
			prev := el.Prev()
			sess := el.Value.(*Session)
			if now.Sub(sess.LastSeen) > s.ttl {
				delete(s.data, sess.ID)
				l.Remove(el)
				n++
			}
			el = prev
		}
	}
	metrics.SessionsActive.Set(float64(s.size()))
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size()
}

// ---- internals (callers hold mu) ----

func (s *Store) size() int { return s.anon.Len() + s.authed.Len() }

// listFor picks the pool. A session never changes pool: Authenticate
// inserts a new session rather than promoting the old one.
func (s *Store) listFor(sess *Session) *list.List {
	if sess.Authenticated() {
		return s.authed
	}
	return s.anon
}

func (s *Store) insert(sess *Session) {
	if s.size() >= s.cap {
		victims := s.anon
		if victims.Len() == 0 {
			victims = s.authed
		}
		if back := victims.Back(); back != nil {
			delete(s.data, back.Value.(*Session).ID)
			victims.Remove(back)
		}
	}
	s.data[sess.ID] = s.listFor(sess).PushFront(sess)
	metrics.SessionsActive.Set(float64(s.size()))
}

func (s *Store) remove(id string) {
	if el, ok := s.data[id]; ok {
		delete(s.data, id)
		s.listFor(el.Value.(*Session)).Remove(el)
		metrics.SessionsActive.Set(float64(s.size()))
	}
}

// lookup returns the live session and touches it, dropping it if idle.
func (s *Store) lookup(id string) *Session {
	el, ok := s.data[id]
	if !ok {
		return nil
	}
	sess := el.Value.(*Session)
	now := s.now()
	if now.Sub(sess.LastSeen) > s.ttl {
		s.remove(id)
		return nil
	}
	sess.LastSeen = now
	s.listFor(sess).MoveToFront(el)
	return sess
}

func copyOf(sess *Session) Session {
	cp := *sess
	if sess.Pending != nil {
		p := *sess.Pending
		cp.Pending = &p
	}
	return cp
}
