package authcore

import (
	"time"

	"github.com/lingokit/authcore/ratelimit"
)

// SecurityReport summarizes the engine's effective security posture for
// startup logging or an operator endpoint. It contains configuration only,
// never key material.
type SecurityReport struct {
	SigningAlgorithm        string
	AccessTTL               time.Duration
	RefreshTTL              time.Duration
	RememberMeTTL           time.Duration
	ClockSkewLeeway         time.Duration
	RateLimitingActive      bool
	RateLimitDistributed    bool
	RateLimitFallbackMode   ratelimit.FallbackMode
	PasswordResetActive     bool
	EmailVerificationActive bool
	AuditingActive          bool
	MetricsActive           bool
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	return SecurityReport{
		SigningAlgorithm:        e.config.JWT.SigningMethod,
		AccessTTL:               e.config.JWT.AccessTTL,
		RefreshTTL:              e.config.Session.StandardTTL,
		RememberMeTTL:           e.config.Session.RememberMeTTL,
		ClockSkewLeeway:         e.config.JWT.Leeway,
		RateLimitingActive:      e.config.RateLimit.Enabled,
		RateLimitDistributed:    e.config.RateLimit.Enabled && e.config.RateLimit.Distributed,
		RateLimitFallbackMode:   e.config.RateLimit.FallbackMode,
		PasswordResetActive:     e.config.PasswordReset.Enabled,
		EmailVerificationActive: e.config.EmailVerification.Enabled,
		AuditingActive:          e.config.Audit.Enabled,
		MetricsActive:           e.metrics.Enabled(),
	}
}
