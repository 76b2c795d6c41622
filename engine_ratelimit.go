package authcore

import (
	"context"
	"fmt"
	"time"

	"github.com/lingokit/authcore/internal/audit"
	"github.com/lingokit/authcore/ratelimit"
)

// BlockedError carries the retry-after for a rate-limited operation. It
// unwraps to ErrRateLimited.
type BlockedError struct {
	RetryAfter time.Duration
}

func (b *BlockedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", b.RetryAfter)
}

func (b *BlockedError) Unwrap() error {
	return ErrRateLimited
}

func blockedErr(d ratelimit.Decision) error {
	return &BlockedError{RetryAfter: d.RetryAfter}
}

// CheckLogin gates a login attempt on both the principal bucket and the
// requesting IP bucket. Call before any credential check; a Blocked result
// means the credential check must not run.
func (e *Engine) CheckLogin(ctx context.Context, principal string) error {
	if e == nil || e.limiter == nil {
		return ErrEngineNotReady
	}

	if d := e.limiter.Check(ctx, ratelimit.ScopeLoginPrincipal, principal); !d.Allowed {
		return e.blocked(ctx, d, principal)
	}
	if d := e.limiter.Check(ctx, ratelimit.ScopeLoginIP, clientIPFromContext(ctx)); !d.Allowed {
		return e.blocked(ctx, d, principal)
	}
	return nil
}

// RecordLoginFailure charges a failed credential check against both login
// buckets. Returns a BlockedError when the charge tripped a block.
func (e *Engine) RecordLoginFailure(ctx context.Context, principal string) error {
	if e == nil || e.limiter == nil {
		return ErrEngineNotReady
	}

	d1 := e.limiter.RecordFailure(ctx, ratelimit.ScopeLoginPrincipal, principal)
	d2 := e.limiter.RecordFailure(ctx, ratelimit.ScopeLoginIP, clientIPFromContext(ctx))
	if !d1.Allowed {
		return e.blocked(ctx, d1, principal)
	}
	if !d2.Allowed {
		return e.blocked(ctx, d2, principal)
	}
	return nil
}

// ResetLogin forgives recorded login failures after a successful
// authentication.
func (e *Engine) ResetLogin(ctx context.Context, principal string) error {
	if e == nil || e.limiter == nil {
		return ErrEngineNotReady
	}

	if err := e.limiter.Reset(ctx, ratelimit.ScopeLoginPrincipal, principal); err != nil {
		return err
	}
	return e.limiter.Reset(ctx, ratelimit.ScopeLoginIP, clientIPFromContext(ctx))
}

// CheckRegistration gates account creation per requesting IP.
func (e *Engine) CheckRegistration(ctx context.Context) error {
	if e == nil || e.limiter == nil {
		return ErrEngineNotReady
	}

	if d := e.limiter.Check(ctx, ratelimit.ScopeRegisterIP, clientIPFromContext(ctx)); !d.Allowed {
		return e.blocked(ctx, d, "")
	}
	return nil
}

// RecordRegistration charges one registration attempt against the IP bucket.
// Registrations are charged whether or not they succeed; the budget caps
// volume, not failures.
func (e *Engine) RecordRegistration(ctx context.Context) error {
	if e == nil || e.limiter == nil {
		return ErrEngineNotReady
	}

	if d := e.limiter.RecordFailure(ctx, ratelimit.ScopeRegisterIP, clientIPFromContext(ctx)); !d.Allowed {
		return e.blocked(ctx, d, "")
	}
	return nil
}

func (e *Engine) blocked(ctx context.Context, d ratelimit.Decision, principal string) error {
	e.metricInc(MetricRateLimitBlocked)
	e.emitAudit(ctx, audit.TypeRateLimitBlocked, false, "", "", "", "", ErrRateLimited, func() map[string]string {
		meta := map[string]string{
			"retry_after": d.RetryAfter.String(),
		}
		if principal != "" {
			meta["principal"] = principal
		}
		return meta
	})
	return blockedErr(d)
}
