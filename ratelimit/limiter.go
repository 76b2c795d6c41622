package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps distributed backend I/O failures. Callers normally
// never see it: Check and RecordFailure fold it into the fail-open or
// fail-closed decision.
var ErrUnavailable = errors.New("rate limit backend unavailable")

// Scope names one protected action. Each scope carries its own policy and
// its own key namespace.
type Scope string

const (
	ScopeLoginPrincipal  Scope = "login:principal"
	ScopeLoginIP         Scope = "login:ip"
	ScopeRegisterIP      Scope = "register:ip"
	ScopePasswordResetIP Scope = "pwreset:ip"
)

// Policy is the attempt budget for one scope: MaxAttempts failures inside
// Window set a block lasting Block.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
	Block       time.Duration
}

func (p Policy) validate(scope Scope) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("rate limit policy %s: max attempts must be positive", scope)
	}
	if p.Window <= 0 {
		return fmt.Errorf("rate limit policy %s: window must be positive", scope)
	}
	if p.Block <= 0 {
		return fmt.Errorf("rate limit policy %s: block must be positive", scope)
	}
	return nil
}

// FallbackMode selects behavior when the distributed backend errors:
// fail-open degrades to the in-process limiter, fail-closed denies outright.
type FallbackMode string

const (
	FallbackAllow FallbackMode = "allow"
	FallbackDeny  FallbackMode = "deny"
)

// Config tunes the limiter.
type Config struct {
	// Enabled is the global kill switch; disabled means every Check allows.
	Enabled bool

	// Distributed selects the shared Redis backend. When false the limiter
	// is purely in-process.
	Distributed bool

	// FallbackMode applies when Distributed is set and the backend errors.
	FallbackMode FallbackMode

	// FailureBlock is the fixed retry-after reported in deny mode.
	FailureBlock time.Duration

	// Policies maps each scope to its budget. Scopes without a policy are
	// not limited.
	Policies map[Scope]Policy

	// KeyPrefix namespaces the Redis keys. Defaults to "arl".
	KeyPrefix string

	// OnFallback observes distributed-backend health transitions. It fires
	// once when the first call fails after a run of successes, and once when
	// the first call succeeds again; never per-call.
	OnFallback func(active bool)
}

// DefaultPolicies is a conservative starting budget for the four scopes.
func DefaultPolicies() map[Scope]Policy {
	return map[Scope]Policy{
		ScopeLoginPrincipal:  {MaxAttempts: 5, Window: 15 * time.Minute, Block: 15 * time.Minute},
		ScopeLoginIP:         {MaxAttempts: 20, Window: 15 * time.Minute, Block: 15 * time.Minute},
		ScopeRegisterIP:      {MaxAttempts: 10, Window: time.Hour, Block: time.Hour},
		ScopePasswordResetIP: {MaxAttempts: 5, Window: time.Hour, Block: time.Hour},
	}
}

// Decision is the outcome of a limiter consultation. RetryAfter is set only
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

var allowed = Decision{Allowed: true}

// Limiter enforces per-scope attempt budgets, distributed across instances
// via Redis with a per-instance sliding-window fallback.
type Limiter struct {
	dist     *redisBackend
	local    *localBackend
	config   Config
	degraded atomic.Bool
	now      func() time.Time
}

// New creates a [Limiter]. The Redis client may be nil when Distributed is
// false.
func New(client redis.UniversalClient, cfg Config) (*Limiter, error) {
	if cfg.Distributed && client == nil {
		return nil, errors.New("distributed rate limiting requires a redis client")
	}
	if cfg.FallbackMode == "" {
		cfg.FallbackMode = FallbackAllow
	}
	if cfg.FallbackMode != FallbackAllow && cfg.FallbackMode != FallbackDeny {
		return nil, fmt.Errorf("unknown fallback mode %q", cfg.FallbackMode)
	}
	if cfg.FailureBlock <= 0 {
		cfg.FailureBlock = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "arl"
	}
	for scope, pol := range cfg.Policies {
		if err := pol.validate(scope); err != nil {
			return nil, err
		}
	}

	l := &Limiter{
		local:  newLocalBackend(),
		config: cfg,
		now:    time.Now,
	}
	if cfg.Distributed {
		l.dist = newRedisBackend(client, cfg.KeyPrefix)
	}
	return l, nil
}

// normalizeKey folds case and whitespace so "User@Test.com " and
// "user@test.com" land in the same bucket.
func normalizeKey(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (l *Limiter) key(scope Scope, identifier string) string {
	return string(scope) + ":" + normalizeKey(identifier)
}

// Check reports whether the identifier may proceed under the scope's policy.
// It never consumes budget; callers record failures separately.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string) Decision {
	_, key, ok := l.lookup(scope, identifier)
	if !ok {
		return allowed
	}

	if l.dist != nil {
		blockedFor, err := l.dist.check(ctx, key)
		if err == nil {
			l.markHealthy()
			if blockedFor > 0 {
				return Decision{RetryAfter: blockedFor}
			}
			return allowed
		}
		if d, final := l.degrade(err); final {
			return d
		}
	}

	if blockedFor := l.local.check(key, l.now()); blockedFor > 0 {
		return Decision{RetryAfter: blockedFor}
	}
	return allowed
}

// RecordFailure charges one failed attempt against the identifier. Reaching
// the scope's MaxAttempts sets the block and clears the counter in the same
// step. The returned decision reflects the key's state after the charge.
func (l *Limiter) RecordFailure(ctx context.Context, scope Scope, identifier string) Decision {
	pol, key, ok := l.lookup(scope, identifier)
	if !ok {
		return allowed
	}

	if l.dist != nil {
		blockedFor, err := l.dist.recordFailure(ctx, key, pol)
		if err == nil {
			l.markHealthy()
			if blockedFor > 0 {
				return Decision{RetryAfter: blockedFor}
			}
			return allowed
		}
		if d, final := l.degrade(err); final {
			return d
		}
	}

	if blockedFor := l.local.recordFailure(key, pol, l.now()); blockedFor > 0 {
		return Decision{RetryAfter: blockedFor}
	}
	return allowed
}

// Reset forgives all recorded failures and any block for the identifier,
// typically after a successful login.
func (l *Limiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	_, key, ok := l.lookup(scope, identifier)
	if !ok {
		return nil
	}

	l.local.reset(key)

	if l.dist != nil {
		if err := l.dist.reset(ctx, key); err != nil {
			l.degrade(err)
			return err
		}
		l.markHealthy()
	}
	return nil
}

// Degraded reports whether the limiter is currently running on its
// in-process fallback.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

func (l *Limiter) lookup(scope Scope, identifier string) (Policy, string, bool) {
	if !l.config.Enabled {
		return Policy{}, "", false
	}
	pol, ok := l.config.Policies[scope]
	if !ok {
		return Policy{}, "", false
	}
	if normalizeKey(identifier) == "" {
		return Policy{}, "", false
	}
	return pol, l.key(scope, identifier), true
}

// degrade records a backend failure and resolves the fail-open/fail-closed
// choice. The second return is true when the decision is final (deny mode);
// otherwise the caller falls through to the local backend.
func (l *Limiter) degrade(_ error) (Decision, bool) {
	if l.degraded.CompareAndSwap(false, true) && l.config.OnFallback != nil {
		l.config.OnFallback(true)
	}

	if l.config.FallbackMode == FallbackDeny {
		return Decision{RetryAfter: l.config.FailureBlock}, true
	}
	return Decision{}, false
}

func (l *Limiter) markHealthy() {
	if l.degraded.CompareAndSwap(true, false) && l.config.OnFallback != nil {
		l.config.OnFallback(false)
	}
}
