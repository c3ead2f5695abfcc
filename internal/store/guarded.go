package store

import (
	"context"
	"errors"
	"time"

	"sitekeeper/admin-service/internal/circuitbreaker"
)

// Guarded wraps a UserStore with a circuit breaker. Only infrastructure
// errors count against the backend; the store sentinels are domain answers.
type Guarded struct {
	inner   UserStore
	breaker *circuitbreaker.Breaker
}

var _ UserStore = (*Guarded)(nil)

func NewGuarded(inner UserStore, b *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: b}
}

func isInfraError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUsernameTaken),
		errors.Is(err, ErrDuplicateCredential),
		errors.Is(err, ErrCounterConflict),
		errors.Is(err, ErrBootstrapClosed),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (g *Guarded) do(fn func() error) error {
	return g.breaker.Do(fn, isInfraError)
}

func (g *Guarded) FindByUsername(ctx context.Context, username string) (u *User, err error) {
	err = g.do(func() error {
		u, err = g.inner.FindByUsername(ctx, username)
		return err
	})
	return u, err
}

func (g *Guarded) FindByID(ctx context.Context, id string) (u *User, err error) {
	err = g.do(func() error {
		u, err = g.inner.FindByID(ctx, id)
		return err
	})
	return u, err
}

func (g *Guarded) Create(ctx context.Context, u *User) error {
	return g.do(func() error { return g.inner.Create(ctx, u) })
}

func (g *Guarded) SetPasswordHash(ctx context.Context, userID, hash string) error {
	return g.do(func() error { return g.inner.SetPasswordHash(ctx, userID, hash) })
}

func (g *Guarded) AppendCredential(ctx context.Context, userID string, c Credential) error {
	return g.do(func() error { return g.inner.AppendCredential(ctx, userID, c) })
}

func (g *Guarded) AppendFirstCredential(ctx context.Context, userID string, c Credential) error {
	return g.do(func() error { return g.inner.AppendFirstCredential(ctx, userID, c) })
}

func (g *Guarded) UpdateSignCounter(ctx context.Context, userID, credentialID string, expected, next uint32, usedAt time.Time) error {
	return g.do(func() error {
		return g.inner.UpdateSignCounter(ctx, userID, credentialID, expected, next, usedAt)
	})
}

func (g *Guarded) RenameCredential(ctx context.Context, userID, credentialID, name string) error {
	return g.do(func() error { return g.inner.RenameCredential(ctx, userID, credentialID, name) })
}

// Ping bypasses the breaker so readiness reflects the backend itself.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}

// BreakerState reports the breaker state for readiness and stats.
func (g *Guarded) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}
