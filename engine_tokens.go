package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/lingokit/authcore/internal/audit"
	"github.com/lingokit/authcore/session"
)

// IssueTokenPair mints a fresh refresh session and a matching access token
// after the caller has verified credentials. Client IP, user agent, and
// device ID are taken from ctx (see WithClientIP and friends).
func (e *Engine) IssueTokenPair(ctx context.Context, userID, role string, rememberMe bool) (*TokenPair, error) {
	if e == nil || e.sessions == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	issued, err := e.sessions.Issue(ctx, userID, role, rememberMe, clientInfoFromContext(ctx))
	if err != nil {
		if errors.Is(err, session.ErrInvalid) {
			return nil, ErrTokenInvalid
		}
		return nil, e.mapStoreErr(err)
	}

	access, accessExp, err := e.jwtManager.Issue(userID, role, issued.SessionID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricPairIssued)
	e.emitAudit(ctx, audit.TypeSessionIssued, true, userID, issued.SessionID, "", "", nil, nil)

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     issued.Token,
		SessionID:        issued.SessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: issued.ExpiresAt,
	}, nil
}

// VerifyAccess validates an access token offline and returns the identity it
// proves. No store round-trip: revocation of access tokens is by expiry only.
func (e *Engine) VerifyAccess(tokenStr string) (*Identity, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	}

	claims, err := e.jwtManager.Verify(tokenStr)
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		return nil, ErrTokenInvalid
	}

	e.metricInc(MetricVerifySuccess)

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &Identity{
		UserID:    claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SID,
		ExpiresAt: expiresAt,
	}, nil
}

// mapStoreErr translates package-level backend errors into the root
// taxonomy. Validity errors pass through untouched.
func (e *Engine) mapStoreErr(err error) error {
	switch {
	case errors.Is(err, session.ErrUnavailable):
		return errors.Join(ErrBackendUnavailable, err)
	default:
		return err
	}
}
