package authcore

import (
	"errors"
	"time"

	"github.com/lingokit/authcore/ratelimit"
)

// Config is the full engine configuration tree. Zero values are filled with
// the defaults from defaultConfig by Validate; floors stop a misconfigured
// deployment from issuing instantly-dead or practically-unexpiring tokens.
type Config struct {
	JWT               JWTConfig
	Session           SessionConfig
	PasswordReset     OneTimeConfig
	EmailVerification OneTimeConfig
	RateLimit         RateLimitConfig
	Audit             AuditConfig
	Metrics           MetricsConfig
}

// JWTConfig tunes access token signing and verification.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration // clock-skew tolerance, capped at 2 minutes
}

// SessionConfig tunes refresh session lifetimes.
type SessionConfig struct {
	RedisPrefix   string
	StandardTTL   time.Duration
	RememberMeTTL time.Duration
	// Retention keeps terminated rows observable past expiry so reuse of a
	// rotated-out token still convicts.
	Retention time.Duration
}

// OneTimeConfig tunes one purpose of single-use tokens.
type OneTimeConfig struct {
	Enabled bool
	TTL     time.Duration
	// RequestJitter adds a random delay of up to this duration to issue
	// requests, masking timing differences between known and unknown
	// accounts. Zero disables it.
	RequestJitter time.Duration
}

// RateLimitConfig tunes the adaptive limiter.
type RateLimitConfig struct {
	Enabled      bool
	Distributed  bool
	FallbackMode ratelimit.FallbackMode
	FailureBlock time.Duration
	KeyPrefix    string
	Policies     map[ratelimit.Scope]ratelimit.Policy
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig tunes internal metrics collection.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

const (
	minAccessTTL  = 30 * time.Second
	minSessionTTL = 5 * time.Minute
	minOneTimeTTL = 5 * time.Minute
	maxLeeway     = 2 * time.Minute
)

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     10 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:   "as",
			StandardTTL:   7 * 24 * time.Hour,
			RememberMeTTL: 30 * 24 * time.Hour,
			Retention:     24 * time.Hour,
		},
		PasswordReset: OneTimeConfig{
			Enabled:       true,
			TTL:           15 * time.Minute,
			RequestJitter: 150 * time.Millisecond,
		},
		EmailVerification: OneTimeConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			Distributed:  true,
			FallbackMode: ratelimit.FallbackAllow,
			FailureBlock: time.Minute,
			Policies:     ratelimit.DefaultPolicies(),
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate fills defaults, applies floors and caps, and rejects settings the
// engine cannot run with.
func (c *Config) Validate() error {
	defaults := defaultConfig()

	if c.JWT.SigningMethod == "" {
		c.JWT.SigningMethod = defaults.JWT.SigningMethod
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported signing method")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("signing key required")
	}
	if c.JWT.AccessTTL <= 0 {
		c.JWT.AccessTTL = defaults.JWT.AccessTTL
	}
	if c.JWT.AccessTTL < minAccessTTL {
		c.JWT.AccessTTL = minAccessTTL
	}
	if c.JWT.Leeway < 0 {
		return errors.New("negative jwt leeway")
	}
	if c.JWT.Leeway > maxLeeway {
		c.JWT.Leeway = maxLeeway
	}

	if c.Session.RedisPrefix == "" {
		c.Session.RedisPrefix = defaults.Session.RedisPrefix
	}
	if c.Session.StandardTTL <= 0 {
		c.Session.StandardTTL = defaults.Session.StandardTTL
	}
	if c.Session.StandardTTL < minSessionTTL {
		c.Session.StandardTTL = minSessionTTL
	}
	if c.Session.RememberMeTTL < c.Session.StandardTTL {
		c.Session.RememberMeTTL = c.Session.StandardTTL
	}
	if c.Session.Retention <= 0 {
		c.Session.Retention = defaults.Session.Retention
	}

	for _, ot := range []*OneTimeConfig{&c.PasswordReset, &c.EmailVerification} {
		if !ot.Enabled {
			continue
		}
		if ot.TTL <= 0 || ot.TTL < minOneTimeTTL {
			ot.TTL = minOneTimeTTL
		}
		if ot.RequestJitter < 0 {
			ot.RequestJitter = 0
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.FallbackMode == "" {
			c.RateLimit.FallbackMode = defaults.RateLimit.FallbackMode
		}
		if c.RateLimit.FailureBlock <= 0 {
			c.RateLimit.FailureBlock = defaults.RateLimit.FailureBlock
		}
		if len(c.RateLimit.Policies) == 0 {
			c.RateLimit.Policies = ratelimit.DefaultPolicies()
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = defaults.Audit.BufferSize
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.RateLimit.Policies != nil {
		policies := make(map[ratelimit.Scope]ratelimit.Policy, len(cfg.RateLimit.Policies))
		for scope, pol := range cfg.RateLimit.Policies {
			policies[scope] = pol
		}
		out.RateLimit.Policies = policies
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
