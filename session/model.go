package session

import "time"

// Status is the lifecycle state of a refresh session. A session leaves
// Active exactly once; Rotated and Revoked are terminal.
type Status uint8

const (
	// StatusActive means the session's raw token can still be rotated or revoked.
	StatusActive Status = iota
	// StatusRotated means the session was replaced during rotation. Presenting
	// its raw token again is the reuse (theft) signal.
	StatusRotated
	// StatusRevoked means the session was terminated for any non-rotation reason.
	StatusRevoked
)

// Revoke reason codes. Free-form short strings, stored verbatim.
const (
	ReasonRotated        = "rotated"
	ReasonExpired        = "expired"
	ReasonDeviceMismatch = "device-mismatch"
	ReasonReuseDetected  = "reuse-detected"
	ReasonPasswordReset  = "password-reset"
	ReasonLogout         = "logout"
	ReasonLogoutAll      = "logout-all"
)

// Record is one refresh session row. SecretHash is the SHA-256 of the
// token's secret half; the secret itself is never stored. Once a session
// leaves Active, every field except ReuseDetectedAt, LastUsedAt, and
// LastUsedIP is immutable.
type Record struct {
	SessionID  string
	UserID     string
	Role       string
	SecretHash [32]byte

	DeviceID   string
	UserAgent  string
	CreatedIP  string
	LastUsedIP string

	CreatedAt  int64
	LastUsedAt int64
	ExpiresAt  int64
	RememberMe bool

	Status          Status
	RevokedAt       int64
	RevokeReason    string
	ReplacedBy      string // set iff Status == StatusRotated
	ReuseDetectedAt int64
}

// Active reports whether the session can still be rotated, given now. A
// session expires strictly after its expiry second: at exactly ExpiresAt it
// is still usable.
func (r *Record) Active(now time.Time) bool {
	return r.Status == StatusActive && now.Unix() <= r.ExpiresAt
}
