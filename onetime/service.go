package onetime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lingokit/authcore/internal"
)

// ErrInvalid covers malformed tokens, unknown token IDs, and secret
// mismatches. The causes are deliberately indistinguishable.
var ErrInvalid = errors.New("invalid one-time token")

// ErrExpired is returned for an unused token past its expiry.
var ErrExpired = errors.New("one-time token expired")

// ErrAlreadyUsed is returned for every consume after the first successful one.
var ErrAlreadyUsed = errors.New("one-time token already used")

// Purpose selects the token family. Tokens of one purpose never validate
// under another: the purpose picks the wire prefix and the storage namespace.
type Purpose string

const (
	PurposePasswordReset     Purpose = "password-reset"
	PurposeEmailVerification Purpose = "email-verification"
)

func (p Purpose) prefix() string {
	switch p {
	case PurposePasswordReset:
		return internal.PrefixPasswordReset
	case PurposeEmailVerification:
		return internal.PrefixEmailVerification
	default:
		return ""
	}
}

const (
	maxAuditIPLen = 64
	maxAuditUALen = 256
)

// Config holds the lifetime of tokens issued by one service instance.
type Config struct {
	TTL       time.Duration
	TTLFloor  time.Duration
	Retention time.Duration // how long used rows stay observable for replay answers
}

// Service issues and consumes single-use tokens for one purpose.
//
// A consumed token stays in the store for the retention window so replays
// answer ErrAlreadyUsed instead of a generic not-found.
type Service struct {
	store   Store
	purpose Purpose
	config  Config
	now     func() time.Time
}

func NewService(store Store, purpose Purpose, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("one-time token store required")
	}
	if purpose.prefix() == "" {
		return nil, fmt.Errorf("unknown one-time token purpose %q", purpose)
	}
	if cfg.TTLFloor <= 0 {
		cfg.TTLFloor = 5 * time.Minute
	}
	if cfg.TTL < cfg.TTLFloor {
		cfg.TTL = cfg.TTLFloor
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	return &Service{
		store:   store,
		purpose: purpose,
		config:  cfg,
		now:     time.Now,
	}, nil
}

// Issued is a freshly minted one-time token.
type Issued struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

// Issue mints a new token for the user. Issuing does not invalidate earlier
// unused tokens; each lives out its own TTL.
func (s *Service) Issue(ctx context.Context, userID, requestIP, requestUA string) (*Issued, error) {
	if userID == "" {
		return nil, ErrInvalid
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.config.TTL)

	rec := &Record{
		TokenID:     uuid.NewString(),
		UserID:      userID,
		SecretHash:  internal.HashSecret(secret),
		CreatedAt:   now.Unix(),
		ExpiresAt:   expiresAt.Unix(),
		RequestedIP: internal.TruncateAudit(requestIP, maxAuditIPLen),
		RequestedUA: internal.TruncateAudit(requestUA, maxAuditUALen),
	}

	if err := s.store.Save(ctx, s.purpose.prefix(), rec, s.config.TTL+s.config.Retention); err != nil {
		return nil, err
	}

	token, err := internal.EncodeToken(s.purpose.prefix(), rec.TokenID, secret)
	if err != nil {
		return nil, err
	}

	return &Issued{Token: token, TokenID: rec.TokenID, ExpiresAt: expiresAt}, nil
}

// Consume validates the token and atomically marks it used, returning the
// owning user ID. At most one concurrent consume of the same token succeeds.
func (s *Service) Consume(ctx context.Context, token, usedIP, usedUA string) (string, error) {
	tokenID, secret, err := internal.DecodeToken(s.purpose.prefix(), token)
	if err != nil {
		return "", ErrInvalid
	}
	if _, err := uuid.Parse(tokenID); err != nil {
		return "", ErrInvalid
	}

	rec, err := s.store.Consume(
		ctx,
		s.purpose.prefix(),
		tokenID,
		internal.HashSecret(secret),
		internal.TruncateAudit(usedIP, maxAuditIPLen),
		internal.TruncateAudit(usedUA, maxAuditUALen),
		s.now(),
		s.config.Retention,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrSecretMismatch):
			return "", ErrInvalid
		default:
			return "", err
		}
	}

	return rec.UserID, nil
}
