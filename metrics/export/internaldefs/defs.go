package internaldefs

import (
	authcore "github.com/lingokit/authcore"
)

// CounterDef binds an internal counter to its exported name.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef binds an internal histogram to its exported name.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authcore.MetricPairIssued, Name: "authcore_token_pair_issued_total", Help: "Issued access/refresh token pairs."},
	{ID: authcore.MetricVerifySuccess, Name: "authcore_verify_success_total", Help: "Successful access token verifications."},
	{ID: authcore.MetricVerifyFailure, Name: "authcore_verify_failure_total", Help: "Failed access token verifications."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: authcore.MetricRefreshExpired, Name: "authcore_refresh_expired_total", Help: "Refresh attempts on expired sessions."},
	{ID: authcore.MetricReuseDetected, Name: "authcore_reuse_detected_total", Help: "Detected refresh token reuses."},
	{ID: authcore.MetricDeviceMismatch, Name: "authcore_device_mismatch_total", Help: "Refresh attempts rejected for device mismatch."},
	{ID: authcore.MetricIPChanged, Name: "authcore_ip_changed_total", Help: "Observed IP changes on refresh rotation."},
	{ID: authcore.MetricSessionRevoked, Name: "authcore_session_revoked_total", Help: "Single-session revocations."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logout operations."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Bulk logout operations."},
	{ID: authcore.MetricPasswordResetRequested, Name: "authcore_password_reset_requested_total", Help: "Password reset token issues."},
	{ID: authcore.MetricPasswordResetConfirmed, Name: "authcore_password_reset_confirmed_total", Help: "Successful password reset confirmations."},
	{ID: authcore.MetricPasswordResetFailed, Name: "authcore_password_reset_failed_total", Help: "Failed password reset confirmations."},
	{ID: authcore.MetricEmailVerificationRequested, Name: "authcore_email_verification_requested_total", Help: "Email verification token issues."},
	{ID: authcore.MetricEmailVerificationConfirmed, Name: "authcore_email_verification_confirmed_total", Help: "Successful email verifications."},
	{ID: authcore.MetricEmailVerificationFailed, Name: "authcore_email_verification_failed_total", Help: "Failed email verifications."},
	{ID: authcore.MetricRateLimitBlocked, Name: "authcore_rate_limit_blocked_total", Help: "Operations denied by the rate limiter."},
	{ID: authcore.MetricRateLimitFallback, Name: "authcore_rate_limit_fallback_total", Help: "Transitions into rate limiter fallback mode."},
	{ID: authcore.MetricRateLimitRecovered, Name: "authcore_rate_limit_recovered_total", Help: "Transitions out of rate limiter fallback mode."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricVerifyLatency, Name: "authcore_verify_latency_seconds", Help: "VerifyAccess latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds with metric-name-safe text.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
