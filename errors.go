package authcore

import "errors"

var (
	// ErrTokenInvalid covers malformed tokens, unknown IDs, signature or hash
	// mismatches, and ownership mismatches. The causes are collapsed so an
	// attacker cannot learn which check failed.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired marks an otherwise valid token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenAlreadyUsed marks a one-time token consumed a second time.
	ErrTokenAlreadyUsed = errors.New("token already used")
	// ErrReuseDetected marks a rotated-out refresh token presented again. By
	// the time callers see it, every session for the user has been revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrDeviceMismatch marks a refresh attempt from a different bound device.
	// All sessions for the user are revoked first.
	ErrDeviceMismatch = errors.New("device mismatch")
	// ErrRateLimited marks an operation denied by the adaptive rate limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrBackendUnavailable wraps store I/O failures. It is never folded into
	// a token-validity error; callers should surface it as a server error.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned when an Engine method is called before a
	// successful Build.
	ErrEngineNotReady = errors.New("engine not initialized")
)
