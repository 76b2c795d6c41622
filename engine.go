package authcore

import (
	"context"
	"log"
	"time"

	"github.com/lingokit/authcore/internal/audit"
	"github.com/lingokit/authcore/jwt"
	"github.com/lingokit/authcore/onetime"
	"github.com/lingokit/authcore/ratelimit"
	"github.com/lingokit/authcore/session"
)

// Engine is the assembled token lifecycle core. Construct via [Builder];
// all methods are safe for concurrent use.
type Engine struct {
	config            Config
	jwtManager        *jwt.Manager
	sessions          *session.Manager
	passwordReset     *onetime.Service
	emailVerification *onetime.Service
	limiter           *ratelimit.Limiter
	audit             *audit.Dispatcher
	metrics           *Metrics
}

func (e *Engine) now() time.Time {
	return time.Now()
}

// Close drains and stops the audit dispatcher. The Engine must not be used
// afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all internal metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// RateLimiterDegraded reports whether the distributed limiter backend is
// currently down and the in-process fallback is active.
func (e *Engine) RateLimiterDegraded() bool {
	if e == nil || e.limiter == nil {
		return false
	}
	return e.limiter.Degraded()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Session manager callbacks. These run inline on the refresh path and must
// stay cheap: a metric bump and an audit emit.

func (e *Engine) onReuseDetected(userID, sessionID string) {
	e.metricInc(MetricReuseDetected)
	log.Print("authcore: refresh token reuse detected, all sessions revoked")
	e.emitAudit(context.Background(), audit.TypeReuseDetected, false, userID, sessionID, "", session.ReasonReuseDetected, ErrReuseDetected, nil)
}

func (e *Engine) onDeviceMismatch(userID, sessionID string) {
	e.metricInc(MetricDeviceMismatch)
	log.Print("authcore: refresh device mismatch, all sessions revoked")
	e.emitAudit(context.Background(), audit.TypeDeviceMismatch, false, userID, sessionID, "", session.ReasonDeviceMismatch, ErrDeviceMismatch, nil)
}

func (e *Engine) onIPChange(userID, sessionID, oldIP, newIP string) {
	e.metricInc(MetricIPChanged)
	e.emitAudit(context.Background(), audit.TypeSessionIPChanged, true, userID, sessionID, "", "", nil, func() map[string]string {
		return map[string]string{
			"old_ip": oldIP,
			"new_ip": newIP,
		}
	})
}

func (e *Engine) onLimiterFallback(active bool) {
	if active {
		e.metricInc(MetricRateLimitFallback)
		log.Print("authcore: rate limit backend unreachable, fallback active")
		e.emitAudit(context.Background(), audit.TypeRateLimitFallback, false, "", "", "", "", ErrBackendUnavailable, nil)
		return
	}
	e.metricInc(MetricRateLimitRecovered)
	log.Print("authcore: rate limit backend recovered")
	e.emitAudit(context.Background(), audit.TypeRateLimitRecovered, true, "", "", "", "", nil, nil)
}
