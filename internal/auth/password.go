package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Passwords hashes and checks bcrypt passwords. Checks against a missing
// hash still spend one bcrypt comparison so timing does not reveal whether
// the account exists.
type Passwords struct {
	cost  int
	dummy []byte
}

func NewPasswords(cost int) (*Passwords, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	pad := make([]byte, 16)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(pad)), cost)
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	return &Passwords{cost: cost, dummy: dummy}, nil
}

func (p *Passwords) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Check reports whether password matches hash. An empty hash never matches.
func (p *Passwords) Check(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(p.dummy, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
