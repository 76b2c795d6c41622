package authcore

import (
	"time"

	"github.com/lingokit/authcore/session"
)

// TokenPair is the credential set handed to a client after login or refresh:
// a short-lived signed access token plus a long-lived rotating refresh token.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Identity is the verified content of an access token.
type Identity struct {
	UserID    string
	Role      string
	SessionID string
	ExpiresAt time.Time
}

// SessionInfo is a read-only view of one refresh session for introspection
// surfaces ("active devices" listings). Secret material is never included.
type SessionInfo struct {
	SessionID  string
	DeviceID   string
	UserAgent  string
	CreatedIP  string
	LastUsedIP string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
	RememberMe bool
}

func sessionInfoFromRecord(rec *session.Record) SessionInfo {
	return SessionInfo{
		SessionID:  rec.SessionID,
		DeviceID:   rec.DeviceID,
		UserAgent:  rec.UserAgent,
		CreatedIP:  rec.CreatedIP,
		LastUsedIP: rec.LastUsedIP,
		CreatedAt:  time.Unix(rec.CreatedAt, 0),
		LastUsedAt: time.Unix(rec.LastUsedAt, 0),
		ExpiresAt:  time.Unix(rec.ExpiresAt, 0),
		RememberMe: rec.RememberMe,
	}
}
