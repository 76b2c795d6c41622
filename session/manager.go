package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lingokit/authcore/internal"
)

// ErrInvalid covers malformed tokens, unknown sessions, secret mismatches,
// and ownership mismatches. The causes are deliberately indistinguishable so
// a caller cannot enumerate which check failed.
var ErrInvalid = errors.New("invalid refresh token")

// ErrExpired is returned when an otherwise valid session has passed its expiry.
var ErrExpired = errors.New("refresh session expired")

// ErrReuseDetected is returned when a rotated-out session's raw token is
// presented again. By the time the caller sees it, every session for the
// user has already been revoked.
var ErrReuseDetected = errors.New("refresh token reuse detected")

// ErrDeviceMismatch is returned when both the session and the request carry a
// device ID and they differ. All sessions for the user are revoked first.
var ErrDeviceMismatch = errors.New("refresh device mismatch")

const (
	maxAuditIPLen = 64
	maxAuditUALen = 256
)

// Config holds refresh session lifetimes. TTLs below the floor are raised to
// it so a misconfigured deployment cannot hand out instantly-dead sessions.
type Config struct {
	StandardTTL   time.Duration
	RememberMeTTL time.Duration
	TTLFloor      time.Duration
	Retention     time.Duration // how long revoked rows stay observable past expiry
}

// ClientInfo is the per-request client context attached to issue and rotate.
// DeviceID is an optional client-supplied binding; IP and user agent are
// audit-only.
type ClientInfo struct {
	DeviceID  string
	ClientIP  string
	UserAgent string
}

// Issued is a freshly minted refresh session.
type Issued struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
}

// Events receives security-relevant observations from the manager. All
// callbacks are optional and must be fast; they are invoked inline.
type Events struct {
	OnReuseDetected  func(userID, sessionID string)
	OnDeviceMismatch func(userID, sessionID string)
	OnIPChange       func(userID, sessionID, oldIP, newIP string)
}

// Manager owns the refresh session state machine: issuance, rotation with
// reuse detection, and revocation.
type Manager struct {
	store  Store
	config Config
	events Events
	now    func() time.Time
}

func NewManager(store Store, cfg Config, events Events) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store required")
	}
	if cfg.TTLFloor <= 0 {
		cfg.TTLFloor = 5 * time.Minute
	}
	if cfg.StandardTTL < cfg.TTLFloor {
		cfg.StandardTTL = cfg.TTLFloor
	}
	if cfg.RememberMeTTL < cfg.StandardTTL {
		cfg.RememberMeTTL = cfg.StandardTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	return &Manager{
		store:  store,
		config: cfg,
		events: events,
		now:    time.Now,
	}, nil
}

// Issue creates a new active session and returns its composite token. The
// role is carried on the row so a later rotation can mint access tokens
// without a user lookup.
func (m *Manager) Issue(ctx context.Context, userID, role string, rememberMe bool, client ClientInfo) (*Issued, error) {
	if userID == "" {
		return nil, ErrInvalid
	}
	return m.issue(ctx, userID, role, rememberMe, client, m.now())
}

func (m *Manager) issue(ctx context.Context, userID, role string, rememberMe bool, client ClientInfo, now time.Time) (*Issued, error) {
	id, err := internal.NewID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}

	ttl := m.config.StandardTTL
	if rememberMe {
		ttl = m.config.RememberMeTTL
	}
	expiresAt := now.Add(ttl)

	ip := internal.TruncateAudit(client.ClientIP, maxAuditIPLen)
	rec := &Record{
		SessionID:  id.String(),
		UserID:     userID,
		Role:       role,
		SecretHash: internal.HashSecret(secret),
		DeviceID:   client.DeviceID,
		UserAgent:  internal.TruncateAudit(client.UserAgent, maxAuditUALen),
		CreatedIP:  ip,
		LastUsedIP: ip,
		CreatedAt:  now.Unix(),
		LastUsedAt: now.Unix(),
		ExpiresAt:  expiresAt.Unix(),
		RememberMe: rememberMe,
		Status:     StatusActive,
	}

	if err := m.store.Save(ctx, rec, ttl+m.config.Retention); err != nil {
		return nil, err
	}

	token, err := internal.EncodeToken(internal.PrefixRefresh, rec.SessionID, secret)
	if err != nil {
		return nil, err
	}

	return &Issued{Token: token, SessionID: rec.SessionID, ExpiresAt: expiresAt}, nil
}

// Rotate exchanges a valid active session for a fresh one. The old session is
// marked rotated and linked to its replacement; presenting it again later is
// the reuse signal that revokes the whole user. Returns the rotated-out
// record and the replacement.
func (m *Manager) Rotate(ctx context.Context, token, expectedUserID string, client ClientInfo) (*Record, *Issued, error) {
	sessionID, secret, err := internal.DecodeToken(internal.PrefixRefresh, token)
	if err != nil {
		return nil, nil, ErrInvalid
	}

	now := m.now()

	replacementID, err := internal.NewID()
	if err != nil {
		return nil, nil, err
	}

	outcome, err := m.store.Rotate(
		ctx,
		sessionID,
		internal.HashSecret(secret),
		expectedUserID,
		client.DeviceID,
		internal.TruncateAudit(client.ClientIP, maxAuditIPLen),
		replacementID.String(),
		now,
	)
	if err != nil {
		return nil, nil, err
	}

	switch outcome.Status {
	case RotateNotFound, RotateInvalid:
		return nil, nil, ErrInvalid

	case RotateExpired:
		return nil, nil, ErrExpired

	case RotateReuse:
		_, revokeErr := m.store.RevokeAllForUser(ctx, outcome.UserID, ReasonReuseDetected, now)
		if outcome.FirstReuse && m.events.OnReuseDetected != nil {
			m.events.OnReuseDetected(outcome.UserID, sessionID)
		}
		if revokeErr != nil {
			// The cascade is the security response; a caller must never see
			// a clean reuse verdict when sessions may still be live.
			log.Printf("authcore: reuse cascade revocation failed: %v", revokeErr)
			return nil, nil, fmt.Errorf("%w: cascade revocation failed: %w", ErrReuseDetected, revokeErr)
		}
		return nil, nil, ErrReuseDetected

	case RotateDeviceMismatch:
		_, revokeErr := m.store.RevokeAllForUser(ctx, outcome.UserID, ReasonDeviceMismatch, now)
		if m.events.OnDeviceMismatch != nil {
			m.events.OnDeviceMismatch(outcome.UserID, sessionID)
		}
		if revokeErr != nil {
			log.Printf("authcore: device mismatch cascade revocation failed: %v", revokeErr)
			return nil, nil, fmt.Errorf("%w: cascade revocation failed: %w", ErrDeviceMismatch, revokeErr)
		}
		return nil, nil, ErrDeviceMismatch

	case RotateOK:
		old := outcome.Old

		// Roaming clients change IPs routinely, so an IP change is observed
		// and reported, never blocking.
		newIP := internal.TruncateAudit(client.ClientIP, maxAuditIPLen)
		if old.LastUsedIP != "" && newIP != "" && old.LastUsedIP != newIP {
			log.Print("authcore: refresh session ip changed on rotation")
			if m.events.OnIPChange != nil {
				m.events.OnIPChange(old.UserID, sessionID, old.LastUsedIP, newIP)
			}
		}

		// A session bound to a device keeps that binding across rotations
		// even when the client stops sending the ID.
		device := client.DeviceID
		if device == "" {
			device = old.DeviceID
		}

		issued, err := m.issueReplacement(ctx, old, replacementID.String(), ClientInfo{
			DeviceID:  device,
			ClientIP:  client.ClientIP,
			UserAgent: client.UserAgent,
		}, now)
		if err != nil {
			return nil, nil, err
		}

		return old, issued, nil

	default:
		return nil, nil, ErrInvalid
	}
}

func (m *Manager) issueReplacement(ctx context.Context, old *Record, sessionID string, client ClientInfo, now time.Time) (*Issued, error) {
	secret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}

	ttl := m.config.StandardTTL
	if old.RememberMe {
		ttl = m.config.RememberMeTTL
	}
	expiresAt := now.Add(ttl)

	ip := internal.TruncateAudit(client.ClientIP, maxAuditIPLen)
	rec := &Record{
		SessionID:  sessionID,
		UserID:     old.UserID,
		Role:       old.Role,
		SecretHash: internal.HashSecret(secret),
		DeviceID:   client.DeviceID,
		UserAgent:  internal.TruncateAudit(client.UserAgent, maxAuditUALen),
		CreatedIP:  ip,
		LastUsedIP: ip,
		CreatedAt:  now.Unix(),
		LastUsedAt: now.Unix(),
		ExpiresAt:  expiresAt.Unix(),
		RememberMe: old.RememberMe,
		Status:     StatusActive,
	}

	if err := m.store.Save(ctx, rec, ttl+m.config.Retention); err != nil {
		return nil, err
	}

	token, err := internal.EncodeToken(internal.PrefixRefresh, sessionID, secret)
	if err != nil {
		return nil, err
	}

	return &Issued{Token: token, SessionID: sessionID, ExpiresAt: expiresAt}, nil
}

// Revoke terminates a single session identified by its raw token. Revoking an
// already-terminated session succeeds (idempotent).
func (m *Manager) Revoke(ctx context.Context, token, expectedUserID, reason string) (bool, error) {
	sessionID, secret, err := internal.DecodeToken(internal.PrefixRefresh, token)
	if err != nil {
		return false, ErrInvalid
	}

	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrInvalid
		}
		return false, err
	}
	if expectedUserID != "" && rec.UserID != expectedUserID {
		return false, ErrInvalid
	}
	if !internal.HashesEqual(internal.HashSecret(secret), rec.SecretHash) {
		return false, ErrInvalid
	}

	if reason == "" {
		reason = ReasonLogout
	}

	status, err := m.store.Revoke(ctx, sessionID, reason, m.now())
	if err != nil {
		return false, err
	}

	return status != RevokeNotFound, nil
}

// RevokeBySessionID terminates a session without the raw secret, for flows
// where only the session identifier is known (own-session logout from an
// access token's sid claim). Ownership is still checked.
func (m *Manager) RevokeBySessionID(ctx context.Context, sessionID, userID, reason string) error {
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalid
		}
		return err
	}
	if userID != "" && rec.UserID != userID {
		return ErrInvalid
	}

	if reason == "" {
		reason = ReasonLogout
	}

	_, err = m.store.Revoke(ctx, sessionID, reason, m.now())
	return err
}

// RevokeAll bulk-revokes every active session for a user and returns how many
// were terminated.
func (m *Manager) RevokeAll(ctx context.Context, userID, reason string) (int, error) {
	if userID == "" {
		return 0, ErrInvalid
	}
	if reason == "" {
		reason = ReasonLogoutAll
	}
	return m.store.RevokeAllForUser(ctx, userID, reason, m.now())
}

// Get fetches a session row without mutating it.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Record, error) {
	return m.store.Get(ctx, sessionID)
}

// ActiveSessionIDs lists the currently active session IDs for a user.
func (m *Manager) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	return m.store.ActiveSessionIDs(ctx, userID)
}
