package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/lingokit/authcore/internal/audit"
	"github.com/lingokit/authcore/onetime"
)

// ErrEmailVerificationDisabled is returned when the email verification flow
// is not configured.
var ErrEmailVerificationDisabled = errors.New("email verification disabled")

// EmailVerificationToken is a freshly issued verification token for
// out-of-band delivery.
type EmailVerificationToken struct {
	Token     string
	ExpiresAt time.Time
}

// RequestEmailVerification mints a single-use verification token for the
// user. Earlier unused tokens stay valid until their own expiry.
func (e *Engine) RequestEmailVerification(ctx context.Context, userID string) (*EmailVerificationToken, error) {
	if e == nil || e.emailVerification == nil {
		return nil, ErrEmailVerificationDisabled
	}

	e.jitterDelay(ctx, e.config.EmailVerification.RequestJitter)

	issued, err := e.emailVerification.Issue(ctx, userID, clientIPFromContext(ctx), userAgentFromContext(ctx))
	if err != nil {
		return nil, e.mapOneTimeErr(err)
	}

	e.metricInc(MetricEmailVerificationRequested)
	e.emitAudit(ctx, audit.TypeOneTimeIssued, true, userID, "", issued.TokenID, string(onetime.PurposeEmailVerification), nil, nil)

	return &EmailVerificationToken{Token: issued.Token, ExpiresAt: issued.ExpiresAt}, nil
}

// ConfirmEmailVerification consumes the verification token and returns the
// owning user ID so the caller can flip the account's verified flag.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, token string) (string, error) {
	if e == nil || e.emailVerification == nil {
		return "", ErrEmailVerificationDisabled
	}

	userID, err := e.emailVerification.Consume(ctx, token, clientIPFromContext(ctx), userAgentFromContext(ctx))
	if err != nil {
		e.metricInc(MetricEmailVerificationFailed)
		e.emitAudit(ctx, audit.TypeOneTimeConsumed, false, "", "", "", string(onetime.PurposeEmailVerification), err, nil)
		return "", e.mapOneTimeErr(err)
	}

	e.metricInc(MetricEmailVerificationConfirmed)
	e.emitAudit(ctx, audit.TypeOneTimeConsumed, true, userID, "", "", string(onetime.PurposeEmailVerification), nil, nil)

	return userID, nil
}
