package authcore

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/lingokit/authcore/internal/audit"
	"github.com/lingokit/authcore/onetime"
	"github.com/lingokit/authcore/ratelimit"
	"github.com/lingokit/authcore/session"
)

// ErrPasswordResetDisabled is returned when the password reset flow is not
// configured.
var ErrPasswordResetDisabled = errors.New("password reset disabled")

// PasswordResetToken is a freshly issued reset token for out-of-band
// delivery (email). The raw token is returned once and never stored.
type PasswordResetToken struct {
	Token     string
	ExpiresAt time.Time
}

// RequestPasswordReset mints a single-use reset token for the user. The
// caller resolves the account first; rate limiting is per requesting IP.
// Issue latency is jittered so a timing probe cannot distinguish accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, userID string) (*PasswordResetToken, error) {
	if e == nil || e.passwordReset == nil {
		return nil, ErrPasswordResetDisabled
	}

	ip := clientIPFromContext(ctx)
	if d := e.limiter.Check(ctx, ratelimit.ScopePasswordResetIP, ip); !d.Allowed {
		e.metricInc(MetricRateLimitBlocked)
		e.emitAudit(ctx, audit.TypeRateLimitBlocked, false, userID, "", "", "", ErrRateLimited, nil)
		return nil, blockedErr(d)
	}

	e.jitterDelay(ctx, e.config.PasswordReset.RequestJitter)

	issued, err := e.passwordReset.Issue(ctx, userID, ip, userAgentFromContext(ctx))
	if err != nil {
		e.limiter.RecordFailure(ctx, ratelimit.ScopePasswordResetIP, ip)
		return nil, e.mapOneTimeErr(err)
	}

	e.limiter.RecordFailure(ctx, ratelimit.ScopePasswordResetIP, ip)
	e.metricInc(MetricPasswordResetRequested)
	e.emitAudit(ctx, audit.TypeOneTimeIssued, true, userID, "", issued.TokenID, string(onetime.PurposePasswordReset), nil, nil)

	return &PasswordResetToken{Token: issued.Token, ExpiresAt: issued.ExpiresAt}, nil
}

// ConfirmPasswordReset consumes the reset token and revokes every session
// for the owning user, then returns the user ID so the caller can store the
// new password hash. Token is single-use: a second confirm fails with
// ErrTokenAlreadyUsed.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token string) (string, error) {
	if e == nil || e.passwordReset == nil {
		return "", ErrPasswordResetDisabled
	}

	userID, err := e.passwordReset.Consume(ctx, token, clientIPFromContext(ctx), userAgentFromContext(ctx))
	if err != nil {
		e.metricInc(MetricPasswordResetFailed)
		e.emitAudit(ctx, audit.TypeOneTimeConsumed, false, "", "", "", string(onetime.PurposePasswordReset), err, nil)
		return "", e.mapOneTimeErr(err)
	}

	// A credential change orphans every outstanding session.
	if _, err := e.revokeAll(ctx, userID, session.ReasonPasswordReset); err != nil && !errors.Is(err, ErrTokenInvalid) {
		return "", err
	}

	e.metricInc(MetricPasswordResetConfirmed)
	e.emitAudit(ctx, audit.TypeOneTimeConsumed, true, userID, "", "", string(onetime.PurposePasswordReset), nil, nil)

	return userID, nil
}

func (e *Engine) mapOneTimeErr(err error) error {
	switch {
	case errors.Is(err, onetime.ErrAlreadyUsed):
		return ErrTokenAlreadyUsed
	case errors.Is(err, onetime.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, onetime.ErrInvalid):
		return ErrTokenInvalid
	case errors.Is(err, onetime.ErrUnavailable):
		return errors.Join(ErrBackendUnavailable, err)
	default:
		return err
	}
}

// jitterDelay sleeps a random fraction of max, bailing early on context
// cancellation.
func (e *Engine) jitterDelay(ctx context.Context, max time.Duration) {
	if max <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(max))))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
