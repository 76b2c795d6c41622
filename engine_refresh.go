package authcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/lingokit/authcore/internal/audit"
	"github.com/lingokit/authcore/session"
)

// Refresh rotates the refresh session and mints a new access token. The old
// refresh token is dead afterwards; presenting it again trips reuse
// detection and revokes every session for the user.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.sessions == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	old, issued, err := e.sessions.Rotate(ctx, refreshToken, "", clientInfoFromContext(ctx))
	if err != nil {
		return nil, e.mapRotateErr(ctx, err)
	}

	access, accessExp, err := e.jwtManager.Issue(old.UserID, old.Role, issued.SessionID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, audit.TypeSessionRotated, true, old.UserID, issued.SessionID, "", "", nil, func() map[string]string {
		return map[string]string{"rotated_from": old.SessionID}
	})

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     issued.Token,
		SessionID:        issued.SessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: issued.ExpiresAt,
	}, nil
}

func (e *Engine) mapRotateErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrReuseDetected):
		// Metric and audit already emitted by the manager callback.
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, session.ErrUnavailable) {
			return fmt.Errorf("%w: %w: %v", ErrReuseDetected, ErrBackendUnavailable, err)
		}
		return ErrReuseDetected
	case errors.Is(err, session.ErrDeviceMismatch):
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, session.ErrUnavailable) {
			return fmt.Errorf("%w: %w: %v", ErrDeviceMismatch, ErrBackendUnavailable, err)
		}
		return ErrDeviceMismatch
	case errors.Is(err, session.ErrExpired):
		e.metricInc(MetricRefreshExpired)
		e.emitAudit(ctx, audit.TypeSessionRotated, false, "", "", "", session.ReasonExpired, ErrTokenExpired, nil)
		return ErrTokenExpired
	case errors.Is(err, session.ErrInvalid):
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, audit.TypeSessionRotated, false, "", "", "", "", ErrTokenInvalid, nil)
		return ErrTokenInvalid
	default:
		e.metricInc(MetricRefreshFailure)
		return e.mapStoreErr(err)
	}
}

// Logout revokes the single session the refresh token names. Idempotent:
// logging out an already-terminated session succeeds.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	_, err := e.sessions.Revoke(ctx, refreshToken, "", session.ReasonLogout)
	if err != nil {
		if errors.Is(err, session.ErrInvalid) {
			return ErrTokenInvalid
		}
		return e.mapStoreErr(err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, audit.TypeSessionRevoked, true, "", "", "", session.ReasonLogout, nil, nil)
	return nil
}

// LogoutSession revokes one session by ID, for flows where only the access
// token's sid claim is at hand. Ownership is enforced when userID is set.
func (e *Engine) LogoutSession(ctx context.Context, sessionID, userID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	if err := e.sessions.RevokeBySessionID(ctx, sessionID, userID, session.ReasonLogout); err != nil {
		if errors.Is(err, session.ErrInvalid) {
			return ErrTokenInvalid
		}
		return e.mapStoreErr(err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, audit.TypeSessionRevoked, true, userID, sessionID, "", session.ReasonLogout, nil, nil)
	return nil
}

// LogoutAll revokes every active session for the user in one bulk store
// operation and reports how many were terminated.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	return e.revokeAll(ctx, userID, session.ReasonLogoutAll)
}

func (e *Engine) revokeAll(ctx context.Context, userID, reason string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}

	count, err := e.sessions.RevokeAll(ctx, userID, reason)
	if err != nil {
		if errors.Is(err, session.ErrInvalid) {
			return 0, ErrTokenInvalid
		}
		return 0, e.mapStoreErr(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, audit.TypeSessionRevokedAll, true, userID, "", "", reason, nil, func() map[string]string {
		return map[string]string{"revoked": strconv.Itoa(count)}
	})
	return count, nil
}

// Sessions lists the user's active sessions for introspection surfaces.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	ids, err := e.sessions.ActiveSessionIDs(ctx, userID)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}

	infos := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		rec, err := e.sessions.Get(ctx, id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				continue
			}
			return nil, e.mapStoreErr(err)
		}
		if !rec.Active(e.now()) {
			continue
		}
		infos = append(infos, sessionInfoFromRecord(rec))
	}

	return infos, nil
}
