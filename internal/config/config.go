package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen            string       `yaml:"listen"`
	ReadTimeoutMs     int          `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int          `yaml:"write_timeout_ms"`
	TLSEnabled        bool         `yaml:"tls_enabled"`
	TLSCertFile       string       `yaml:"tls_cert_file"`
	TLSKeyFile        string       `yaml:"tls_key_file"`
	Environment       string       `yaml:"environment"` // production | development
	TrustedProxies    []string     `yaml:"trusted_proxies"`
	TrustedProxyCIDRs []*net.IPNet `yaml:"-"`
	MaxBodyBytes      int64        `yaml:"max_body_bytes"`
}

type CookieCfg struct {
	Name     string `yaml:"name"`
	Domain   string `yaml:"domain"`
	Path     string `yaml:"path"`
	SameSite string `yaml:"same_site"` // Lax | Strict
	Secure   *bool  `yaml:"secure"`    // nil: secure iff production
}

type SigningCfg struct {
	Alg        string            `yaml:"alg"`
	Keys       map[string]string `yaml:"keys"`
	CurrentKID string            `yaml:"current_kid"`
	Issuer     string            `yaml:"issuer"`
	SkewSec    int               `yaml:"skew_sec"`
}

type SessionCfg struct {
	TTLSec   int        `yaml:"ttl_sec"`
	Capacity int        `yaml:"capacity"`
	GCSec    int        `yaml:"gc_sec"`
	Cookie   CookieCfg  `yaml:"cookie"`
	Signing  SigningCfg `yaml:"signing"`
}

type WebAuthnCfg struct {
	RPID                    string   `yaml:"rp_id"`
	RPName                  string   `yaml:"rp_name"`
	Origin                  string   `yaml:"origin"`
	ExtraOrigins            []string `yaml:"extra_origins"`
	TimeoutMs               int      `yaml:"timeout_ms"`        // advisory, sent to the browser
	ChallengeTTLSec         int      `yaml:"challenge_ttl_sec"` // enforced server-side
	StrictCounter           *bool    `yaml:"strict_counter"`
	RequireUserVerification bool     `yaml:"require_user_verification"`
}

type SeedAdminCfg struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt; empty means passkey bootstrap only
}

type AuthCfg struct {
	AllowSignup   bool         `yaml:"allow_signup"`
	LoginRPSLimit float64      `yaml:"login_rps_limit"`
	RetryAfterSec int          `yaml:"retry_after_sec"`
	BcryptCost    int          `yaml:"bcrypt_cost"`
	SeedAdmin     SeedAdminCfg `yaml:"seed_admin"`
}

type BreakerCfg struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutSec       int `yaml:"timeout_sec"`
}

type StoreCfg struct {
	Backend     string     `yaml:"backend"` // json | postgres
	JSONPath    string     `yaml:"json_path"`
	PostgresDSN string     `yaml:"postgres_dsn"`
	AutoMigrate bool       `yaml:"auto_migrate"`
	Breaker     BreakerCfg `yaml:"breaker"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type Config struct {
	Server   ServerCfg   `yaml:"server"`
	Session  SessionCfg  `yaml:"session"`
	WebAuthn WebAuthnCfg `yaml:"webauthn"`
	Auth     AuthCfg     `yaml:"auth"`
	Store    StoreCfg    `yaml:"store"`
	Logging  LoggingCfg  `yaml:"logging"`
}

// envOverrides lists the variables a deployment usually sets instead of
// editing the YAML file. Empty values leave the file setting in place.
type envOverrides struct {
	Environment       string `env:"SITEKEEPER_ENV"`
	Listen            string `env:"LISTEN"`
	RPID              string `env:"RP_ID"`
	RPName            string `env:"RP_NAME"`
	Origin            string `env:"ORIGIN"`
	StoreBackend      string `env:"STORE_BACKEND"`
	JSONPath          string `env:"STORE_JSON_PATH"`
	DatabaseURL       string `env:"DATABASE_URL"`
	SessionKey        string `env:"SESSION_KEY"`
	AdminUsername     string `env:"ADMIN_USERNAME"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`
	LogLevel          string `env:"LOG_LEVEL"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies environment overrides and fills defaults.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyEnv(ov)

	// defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = "production"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 10000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 64 << 10
	}
	for _, cidr := range cfg.Server.TrustedProxies {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		cfg.Server.TrustedProxyCIDRs = append(cfg.Server.TrustedProxyCIDRs, n)
	}
	if cfg.Session.TTLSec == 0 {
		cfg.Session.TTLSec = 24 * 3600
	}
	if cfg.Session.Capacity == 0 {
		cfg.Session.Capacity = 100_000
	}
	if cfg.Session.GCSec == 0 {
		cfg.Session.GCSec = 60
	}
	if cfg.Session.Cookie.Name == "" {
		cfg.Session.Cookie.Name = "sitekeeper_session"
	}
	if cfg.Session.Cookie.Path == "" {
		cfg.Session.Cookie.Path = "/"
	}
	if cfg.Session.Cookie.SameSite == "" {
		cfg.Session.Cookie.SameSite = "Lax"
	}
	if cfg.Session.Signing.Alg == "" {
		cfg.Session.Signing.Alg = "HS256"
	}
	if cfg.Session.Signing.Issuer == "" {
		cfg.Session.Signing.Issuer = "sitekeeper"
	}
	if cfg.Session.Signing.SkewSec == 0 {
		cfg.Session.Signing.SkewSec = 30
	}
	if cfg.WebAuthn.RPName == "" {
		cfg.WebAuthn.RPName = "Sitekeeper"
	}
	if cfg.WebAuthn.TimeoutMs == 0 {
		cfg.WebAuthn.TimeoutMs = 60000
	}
	if cfg.WebAuthn.ChallengeTTLSec == 0 {
		cfg.WebAuthn.ChallengeTTLSec = 300
	}
	if cfg.WebAuthn.StrictCounter == nil {
		strict := true
		cfg.WebAuthn.StrictCounter = &strict
	}
	if cfg.Auth.LoginRPSLimit == 0 {
		cfg.Auth.LoginRPSLimit = 2
	}
	if cfg.Auth.RetryAfterSec == 0 {
		cfg.Auth.RetryAfterSec = 5
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 12
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "json"
	}
	if cfg.Store.JSONPath == "" {
		cfg.Store.JSONPath = "./data/users.json"
	}
	if cfg.Store.Breaker.FailureThreshold == 0 {
		cfg.Store.Breaker.FailureThreshold = 5
	}
	if cfg.Store.Breaker.SuccessThreshold == 0 {
		cfg.Store.Breaker.SuccessThreshold = 2
	}
	if cfg.Store.Breaker.TimeoutSec == 0 {
		cfg.Store.Breaker.TimeoutSec = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return &cfg, nil
}

func (c *Config) applyEnv(ov envOverrides) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.Environment, ov.Environment)
	set(&c.Server.Listen, ov.Listen)
	set(&c.WebAuthn.RPID, ov.RPID)
	set(&c.WebAuthn.RPName, ov.RPName)
	set(&c.WebAuthn.Origin, ov.Origin)
	set(&c.Store.Backend, ov.StoreBackend)
	set(&c.Store.JSONPath, ov.JSONPath)
	set(&c.Store.PostgresDSN, ov.DatabaseURL)
	set(&c.Auth.SeedAdmin.Username, ov.AdminUsername)
	set(&c.Auth.SeedAdmin.PasswordHash, ov.AdminPasswordHash)
	set(&c.Logging.Level, ov.LogLevel)
	if ov.SessionKey != "" {
		// A single env-provided key replaces the file keyring.
		c.Session.Signing.Keys = map[string]string{"env": ov.SessionKey}
		c.Session.Signing.CurrentKID = "env"
	}
}

func (c *Config) Production() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// CookieSecure reports whether the session cookie carries the Secure flag.
func (c *Config) CookieSecure() bool {
	if c.Session.Cookie.Secure != nil {
		return *c.Session.Cookie.Secure
	}
	return c.Production()
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSec) * time.Second
}

func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.WebAuthn.ChallengeTTLSec) * time.Second
}

// Origins returns the primary origin followed by any extra ones.
func (c *Config) Origins() []string {
	out := make([]string, 0, 1+len(c.WebAuthn.ExtraOrigins))
	if c.WebAuthn.Origin != "" {
		out = append(out, c.WebAuthn.Origin)
	}
	return append(out, c.WebAuthn.ExtraOrigins...)
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Server.Environment) {
	case "production", "development":
	default:
		return errors.New("server.environment must be 'production' or 'development'")
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file required when tls_enabled")
	}
	switch strings.ToLower(c.Session.Cookie.SameSite) {
	case "lax", "strict":
	default:
		return errors.New("session.cookie.same_site must be 'Lax' or 'Strict'")
	}
	if c.Session.TTLSec <= 0 {
		return errors.New("session.ttl_sec must be > 0")
	}
	if c.Session.Signing.CurrentKID == "" || len(c.Session.Signing.Keys) == 0 {
		return errors.New("session.signing.keys and session.signing.current_kid required")
	}
	if _, ok := c.Session.Signing.Keys[c.Session.Signing.CurrentKID]; !ok {
		return errors.New("session.signing.current_kid not found in session.signing.keys")
	}

	if c.WebAuthn.RPID == "" {
		return errors.New("webauthn.rp_id required")
	}
	origins := c.Origins()
	if len(origins) == 0 {
		return errors.New("webauthn.origin required")
	}
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webauthn origin %q must be scheme://host[:port]", o)
		}
		if u.Hostname() != c.WebAuthn.RPID && !strings.HasSuffix(u.Hostname(), "."+c.WebAuthn.RPID) {
			return fmt.Errorf("webauthn origin %q is not within rp_id %q", o, c.WebAuthn.RPID)
		}
	}
	if c.WebAuthn.ChallengeTTLSec <= 0 || c.WebAuthn.ChallengeTTLSec > 900 {
		return errors.New("webauthn.challenge_ttl_sec must be in (0, 900]")
	}
	if c.WebAuthn.TimeoutMs < 10000 || c.WebAuthn.TimeoutMs > 600000 {
		return errors.New("webauthn.timeout_ms must be in [10000, 600000]")
	}

	if c.Auth.LoginRPSLimit < 0 {
		return errors.New("auth.login_rps_limit must be >= 0")
	}
	if c.Auth.BcryptCost < 10 || c.Auth.BcryptCost > 31 {
		return errors.New("auth.bcrypt_cost must be in [10, 31]")
	}

	switch c.Store.Backend {
	case "json":
		if c.Store.JSONPath == "" {
			return errors.New("store.json_path required for json backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn (or DATABASE_URL) required for postgres backend")
		}
	default:
		return errors.New("store.backend must be 'json' or 'postgres'")
	}
	return nil
}
