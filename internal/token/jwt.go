package token

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the signed handle carried in the session cookie. The
// session itself lives server-side; the token only names it.
type SessionClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// Keyring signs and verifies session handles with rotating HMAC keys.
type Keyring struct {
	Alg        string
	Keys       map[string][]byte // kid -> secret
	CurrentKID string
	Issuer     string
	SkewSec    int
	// MaxTTL caps Sign() so a misconfigured TTL cannot mint long-lived cookies.
	MaxTTL time.Duration

	now func() time.Time
}

var (
	ErrEmptyToken     = errors.New("empty token")
	ErrMissingKID     = errors.New("missing kid")
	ErrUnknownKID     = errors.New("unknown kid")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrTTLTooLarge    = errors.New("token lifetime exceeds max")
	ErrExpMissing     = errors.New("exp missing")
	ErrMissingSID     = errors.New("missing sid")
)

// NewKeyring loads base64url secrets and prepares a signing/verification keyring.
// Only HMAC algorithms are accepted.
func NewKeyring(alg string, keys map[string]string, current, iss string, skew int, maxTTL time.Duration) (*Keyring, error) {
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, errors.New("unsupported alg (expected HS256/384/512)")
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	kr := &Keyring{
		Alg:     alg,
		Keys:    make(map[string][]byte, len(keys)),
		Issuer:  iss,
		SkewSec: skew,
		MaxTTL:  maxTTL,
		now:     time.Now,
	}
	for kid, b64 := range keys {
		dec, err := base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			return nil, err
		}
		if len(dec) < 16 {
			return nil, errors.New("signing key too short; need >=16 bytes")
		}
		kr.Keys[kid] = dec
	}
	if _, ok := kr.Keys[current]; !ok {
		return nil, errors.New("current_kid not found in keys")
	}
	kr.CurrentKID = current
	if kr.Issuer == "" {
		kr.Issuer = "sitekeeper"
	}
	return kr, nil
}

// CurrentKey returns the active secret. It doubles as the HMAC key for
// anonymizing client addresses in logs.
func (k *Keyring) CurrentKey() []byte {
	return k.Keys[k.CurrentKID]
}

// Sign mints a handle for session sid. ttl is clamped to MaxTTL.
func (k *Keyring) Sign(sid string, ttl time.Duration) (string, error) {
	if sid == "" {
		return "", ErrMissingSID
	}
	if ttl <= 0 || ttl > k.MaxTTL {
		ttl = k.MaxTTL
	}
	now := k.now()
	claims := SessionClaims{
		SID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    k.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.GetSigningMethod(k.Alg), claims)
	t.Header["kid"] = k.CurrentKID
	secret := k.Keys[k.CurrentKID]
	if len(secret) == 0 {
		return "", errors.New("missing signing key for current_kid")
	}
	return t.SignedString(secret)
}

// Verify checks signature, issuer, expiry and lifetime and returns the
// session ID the token names.
func (k *Keyring) Verify(tok string) (string, error) {
	if tok == "" {
		return "", ErrEmptyToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{k.Alg}),
		jwt.WithStrictDecoding(),
		jwt.WithLeeway(time.Duration(k.SkewSec)*time.Second),
		jwt.WithTimeFunc(k.now),
		jwt.WithExpirationRequired(),
	)
	var claims SessionClaims
	token, err := parser.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		kidVal, ok := t.Header["kid"]
		if !ok {
			return nil, ErrMissingKID
		}
		kid, _ := kidVal.(string)
		secret, ok := k.Keys[kid]
		if !ok {
			return nil, ErrUnknownKID
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenRequiredClaimMissing) {
			return "", ErrExpMissing
		}
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	if subtle.ConstantTimeCompare([]byte(claims.Issuer), []byte(k.Issuer)) != 1 {
		return "", ErrIssuerMismatch
	}
	if claims.IssuedAt != nil {
		skew := time.Duration(k.SkewSec) * time.Second
		if claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time) > k.MaxTTL+skew {
			return "", ErrTTLTooLarge
		}
	}
	if claims.SID == "" {
		return "", ErrMissingSID
	}
	return claims.SID, nil
}
