package authcore

import (
	"errors"

	"github.com/lingokit/authcore/internal/audit"
	"github.com/lingokit/authcore/jwt"
	"github.com/lingokit/authcore/onetime"
	"github.com/lingokit/authcore/ratelimit"
	"github.com/lingokit/authcore/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Configure, then call Build exactly once.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	auditSink AuditSink
	built     bool
}

func New() *Builder {
	return &Builder{config: defaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:     cfg,
		jwtManager: jwtManager,
		audit:      audit.NewDispatcher(audit.Config(cfg.Audit), b.auditSink),
		metrics:    NewMetrics(cfg.Metrics),
	}

	sessionStore := session.NewRedisStore(b.redis, cfg.Session.RedisPrefix)
	engine.sessions, err = session.NewManager(sessionStore, session.Config{
		StandardTTL:   cfg.Session.StandardTTL,
		RememberMeTTL: cfg.Session.RememberMeTTL,
		Retention:     cfg.Session.Retention,
	}, session.Events{
		OnReuseDetected:  engine.onReuseDetected,
		OnDeviceMismatch: engine.onDeviceMismatch,
		OnIPChange:       engine.onIPChange,
	})
	if err != nil {
		return nil, err
	}

	oneTimeStore := onetime.NewRedisStore(b.redis, "aot")
	if cfg.PasswordReset.Enabled {
		engine.passwordReset, err = onetime.NewService(oneTimeStore, onetime.PurposePasswordReset, onetime.Config{
			TTL:       cfg.PasswordReset.TTL,
			Retention: cfg.Session.Retention,
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.EmailVerification.Enabled {
		engine.emailVerification, err = onetime.NewService(oneTimeStore, onetime.PurposeEmailVerification, onetime.Config{
			TTL:       cfg.EmailVerification.TTL,
			Retention: cfg.Session.Retention,
		})
		if err != nil {
			return nil, err
		}
	}

	engine.limiter, err = ratelimit.New(b.redis, ratelimit.Config{
		Enabled:      cfg.RateLimit.Enabled,
		Distributed:  cfg.RateLimit.Distributed,
		FallbackMode: cfg.RateLimit.FallbackMode,
		FailureBlock: cfg.RateLimit.FailureBlock,
		KeyPrefix:    cfg.RateLimit.KeyPrefix,
		Policies:     cfg.RateLimit.Policies,
		OnFallback:   engine.onLimiterFallback,
	})
	if err != nil {
		return nil, err
	}

	b.built = true

	return engine, nil
}
