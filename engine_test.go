package authcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lingokit/authcore/ratelimit"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, client
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.JWT.Issuer = "authcore-test"
	cfg.PasswordReset.RequestJitter = 0
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()

	_, client := newTestRedis(t)
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := New().WithConfig(cfg).WithRedis(client).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine
}

func TestBuilderValidation(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Error("Build without redis should fail")
	}

	_, client := newTestRedis(t)
	if _, err := New().WithRedis(client).Build(); err == nil {
		t.Error("Build without signing key should fail")
	}

	b := New().WithConfig(testConfig()).WithRedis(client)
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	if _, err := b.Build(); err == nil {
		t.Error("second Build on the same builder should fail")
	}
}

func TestIssueVerifyRefreshFlow(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	pair, err := engine.IssueTokenPair(ctx, "user-1", "admin", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.SessionID == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Error("refresh token should outlive the access token")
	}

	identity, err := engine.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if identity.UserID != "user-1" || identity.Role != "admin" || identity.SessionID != pair.SessionID {
		t.Errorf("identity = %+v", identity)
	}

	next, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.SessionID == pair.SessionID || next.RefreshToken == pair.RefreshToken {
		t.Error("refresh did not rotate the session")
	}

	// The role rides on the session row through the rotation.
	nextIdentity, err := engine.VerifyAccess(next.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess after refresh: %v", err)
	}
	if nextIdentity.UserID != "user-1" || nextIdentity.Role != "admin" {
		t.Errorf("refreshed identity = %+v", nextIdentity)
	}
}

func TestRefreshReuseCascade(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := engine.IssueTokenPair(ctx, "user-1", "", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	next, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("replayed refresh error = %v, want ErrReuseDetected", err)
	}
	if _, err := engine.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("post-cascade refresh error = %v, want ErrTokenInvalid", err)
	}

	if got := engine.metrics.Value(MetricReuseDetected); got != 1 {
		t.Errorf("reuse metric = %d, want 1", got)
	}
}

func TestRefreshDeviceMismatch(t *testing.T) {
	engine := newTestEngine(t, nil)

	issueCtx := WithDeviceID(context.Background(), "ios-1")
	pair, err := engine.IssueTokenPair(issueCtx, "user-1", "", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	refreshCtx := WithDeviceID(context.Background(), "android-9")
	if _, err := engine.Refresh(refreshCtx, pair.RefreshToken); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("mismatched refresh error = %v, want ErrDeviceMismatch", err)
	}

	// The cascade revoked the session, so even the right device is done.
	if _, err := engine.Refresh(issueCtx, pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh after cascade error = %v, want ErrTokenInvalid", err)
	}
}

func TestRefreshInvalidToken(t *testing.T) {
	engine := newTestEngine(t, nil)

	for _, token := range []string{"", "garbage", "rt.a.b"} {
		if _, err := engine.Refresh(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Refresh(%q) error = %v, want ErrTokenInvalid", token, err)
		}
	}
}

func TestVerifyAccessInvalid(t *testing.T) {
	engine := newTestEngine(t, nil)

	if _, err := engine.VerifyAccess("not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("VerifyAccess error = %v, want ErrTokenInvalid", err)
	}
	if got := engine.metrics.Value(MetricVerifyFailure); got != 1 {
		t.Errorf("verify failure metric = %d, want 1", got)
	}
}

func TestLogout(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := engine.IssueTokenPair(ctx, "user-1", "", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	if err := engine.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	// Logging out twice is fine; the session is simply already terminal.
	if err := engine.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}

	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh after logout error = %v, want ErrTokenInvalid", err)
	}
}

func TestLogoutSession(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := engine.IssueTokenPair(ctx, "user-1", "", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	if err := engine.LogoutSession(ctx, pair.SessionID, "user-2"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("logout for wrong owner error = %v, want ErrTokenInvalid", err)
	}
	if err := engine.LogoutSession(ctx, pair.SessionID, "user-1"); err != nil {
		t.Fatalf("LogoutSession: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh after session logout error = %v, want ErrTokenInvalid", err)
	}
}

func TestLogoutAllAndSessions(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	for i := 0; i < 3; i++ {
		if _, err := engine.IssueTokenPair(ctx, "user-1", "", false); err != nil {
			t.Fatalf("IssueTokenPair #%d: %v", i+1, err)
		}
	}

	infos, err := engine.Sessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Sessions = %d entries, want 3", len(infos))
	}
	for _, info := range infos {
		if info.SessionID == "" || info.CreatedIP != "203.0.113.7" {
			t.Errorf("session info = %+v", info)
		}
	}

	count, err := engine.LogoutAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if count != 3 {
		t.Errorf("LogoutAll revoked %d, want 3", count)
	}

	infos, err = engine.Sessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("Sessions after logout: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Sessions after logout = %d entries, want 0", len(infos))
	}
}

func TestPasswordResetFlow(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	pair, err := engine.IssueTokenPair(ctx, "user-1", "", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	reset, err := engine.RequestPasswordReset(ctx, "user-1")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if reset.Token == "" {
		t.Fatal("empty reset token")
	}

	userID, err := engine.ConfirmPasswordReset(ctx, reset.Token)
	if err != nil {
		t.Fatalf("ConfirmPasswordReset: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("confirmed owner = %q, want user-1", userID)
	}

	// A credential change orphans the outstanding refresh session.
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh after reset error = %v, want ErrTokenInvalid", err)
	}

	// The token is single-use.
	if _, err := engine.ConfirmPasswordReset(ctx, reset.Token); !errors.Is(err, ErrTokenAlreadyUsed) {
		t.Fatalf("replayed confirm error = %v, want ErrTokenAlreadyUsed", err)
	}
}

func TestPasswordResetRateLimit(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.Policies = map[ratelimit.Scope]ratelimit.Policy{
			ratelimit.ScopePasswordResetIP: {MaxAttempts: 2, Window: time.Hour, Block: time.Hour},
		}
	})
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	for i := 0; i < 2; i++ {
		if _, err := engine.RequestPasswordReset(ctx, "user-1"); err != nil {
			t.Fatalf("request #%d: %v", i+1, err)
		}
	}

	_, err := engine.RequestPasswordReset(ctx, "user-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request #3 error = %v, want ErrRateLimited", err)
	}

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("error %T does not carry retry-after", err)
	}
	if blocked.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", blocked.RetryAfter)
	}

	// A different IP is not affected.
	otherCtx := WithClientIP(context.Background(), "198.51.100.23")
	if _, err := engine.RequestPasswordReset(otherCtx, "user-1"); err != nil {
		t.Fatalf("request from other IP: %v", err)
	}
}

func TestPasswordResetDisabled(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.PasswordReset.Enabled = false
	})

	if _, err := engine.RequestPasswordReset(context.Background(), "user-1"); !errors.Is(err, ErrPasswordResetDisabled) {
		t.Fatalf("request error = %v, want ErrPasswordResetDisabled", err)
	}
	if _, err := engine.ConfirmPasswordReset(context.Background(), "prt.a.b"); !errors.Is(err, ErrPasswordResetDisabled) {
		t.Fatalf("confirm error = %v, want ErrPasswordResetDisabled", err)
	}
}

func TestEmailVerificationFlow(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := engine.IssueTokenPair(ctx, "user-1", "", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	verification, err := engine.RequestEmailVerification(ctx, "user-1")
	if err != nil {
		t.Fatalf("RequestEmailVerification: %v", err)
	}

	userID, err := engine.ConfirmEmailVerification(ctx, verification.Token)
	if err != nil {
		t.Fatalf("ConfirmEmailVerification: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("confirmed owner = %q, want user-1", userID)
	}

	// Verifying an email is not a credential change: sessions survive.
	if _, err := engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("refresh after verification: %v", err)
	}

	if _, err := engine.ConfirmEmailVerification(ctx, verification.Token); !errors.Is(err, ErrTokenAlreadyUsed) {
		t.Fatalf("replayed confirm error = %v, want ErrTokenAlreadyUsed", err)
	}
}

func TestLoginRateLimit(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.Policies = map[ratelimit.Scope]ratelimit.Policy{
			ratelimit.ScopeLoginPrincipal: {MaxAttempts: 3, Window: time.Hour, Block: time.Hour},
			ratelimit.ScopeLoginIP:        {MaxAttempts: 10, Window: time.Hour, Block: time.Hour},
		}
	})
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	if err := engine.CheckLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("CheckLogin before failures: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := engine.RecordLoginFailure(ctx, "alice@example.com"); err != nil {
			t.Fatalf("failure #%d: %v", i+1, err)
		}
	}
	if err := engine.RecordLoginFailure(ctx, "alice@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("failure #3 error = %v, want ErrRateLimited", err)
	}
	if err := engine.CheckLogin(ctx, "alice@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("CheckLogin while blocked error = %v, want ErrRateLimited", err)
	}

	// A successful login forgives the history.
	if err := engine.ResetLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("ResetLogin: %v", err)
	}
	if err := engine.CheckLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("CheckLogin after reset: %v", err)
	}
}

func TestLoginIPScope(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.Policies = map[ratelimit.Scope]ratelimit.Policy{
			ratelimit.ScopeLoginPrincipal: {MaxAttempts: 100, Window: time.Hour, Block: time.Hour},
			ratelimit.ScopeLoginIP:        {MaxAttempts: 3, Window: time.Hour, Block: time.Hour},
		}
	})
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	// Spraying distinct principals from one address trips the IP budget.
	engine.RecordLoginFailure(ctx, "alice@example.com")
	engine.RecordLoginFailure(ctx, "bob@example.com")
	if err := engine.RecordLoginFailure(ctx, "carol@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third principal error = %v, want ErrRateLimited", err)
	}
	if err := engine.CheckLogin(ctx, "dave@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fresh principal from blocked IP error = %v, want ErrRateLimited", err)
	}
}

func TestRegistrationRateLimit(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.Policies = map[ratelimit.Scope]ratelimit.Policy{
			ratelimit.ScopeRegisterIP: {MaxAttempts: 2, Window: time.Hour, Block: time.Hour},
		}
	})
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	if err := engine.CheckRegistration(ctx); err != nil {
		t.Fatalf("CheckRegistration: %v", err)
	}
	if err := engine.RecordRegistration(ctx); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := engine.RecordRegistration(ctx); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second registration error = %v, want ErrRateLimited", err)
	}
	if err := engine.CheckRegistration(ctx); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("check while blocked error = %v, want ErrRateLimited", err)
	}
}

func TestRateLimitDisabledAllowsEverything(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.Enabled = false
	})
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	for i := 0; i < 30; i++ {
		if err := engine.RecordLoginFailure(ctx, "alice@example.com"); err != nil {
			t.Fatalf("failure #%d: %v", i+1, err)
		}
	}
	if err := engine.CheckLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("CheckLogin with limiter disabled: %v", err)
	}
}

func TestBlockedErrorUnwrap(t *testing.T) {
	err := &BlockedError{RetryAfter: 30 * time.Second}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("BlockedError should unwrap to ErrRateLimited")
	}

	var blocked *BlockedError
	var wrapped error = err
	if !errors.As(wrapped, &blocked) || blocked.RetryAfter != 30*time.Second {
		t.Errorf("errors.As = %+v", blocked)
	}
}

func TestAuditEventsEmitted(t *testing.T) {
	sink := NewChannelSink(32)
	_, client := newTestRedis(t)

	cfg := testConfig()
	cfg.Audit.Enabled = true

	engine, err := New().WithConfig(cfg).WithRedis(client).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := WithClientIP(context.Background(), "203.0.113.7")
	pair, err := engine.IssueTokenPair(ctx, "user-1", "", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	engine.Close() // drains the dispatcher

	types := map[string]int{}
	for {
		select {
		case event := <-sink.Events():
			types[event.EventType]++
			if event.EventType == "session.issued" && event.IP != "203.0.113.7" {
				t.Errorf("issued event IP = %q", event.IP)
			}
		default:
			if types["session.issued"] != 1 || types["session.rotated"] != 1 {
				t.Errorf("event counts = %v, want one issued and one rotated", types)
			}
			return
		}
	}
}

func TestSecurityReport(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.EmailVerification.Enabled = false
		cfg.RateLimit.FallbackMode = ratelimit.FallbackDeny
	})

	report := engine.SecurityReport()
	if report.SigningAlgorithm != "hs256" {
		t.Errorf("SigningAlgorithm = %q", report.SigningAlgorithm)
	}
	if report.AccessTTL != 10*time.Minute {
		t.Errorf("AccessTTL = %v", report.AccessTTL)
	}
	if report.RefreshTTL != 7*24*time.Hour || report.RememberMeTTL != 30*24*time.Hour {
		t.Errorf("refresh TTLs = %v/%v", report.RefreshTTL, report.RememberMeTTL)
	}
	if !report.RateLimitingActive || !report.RateLimitDistributed {
		t.Error("rate limiting should be reported active and distributed")
	}
	if report.RateLimitFallbackMode != ratelimit.FallbackDeny {
		t.Errorf("FallbackMode = %q", report.RateLimitFallbackMode)
	}
	if !report.PasswordResetActive || report.EmailVerificationActive {
		t.Error("one-time flows misreported")
	}
	if report.AuditingActive {
		t.Error("auditing should be reported inactive")
	}
	if !report.MetricsActive {
		t.Error("metrics should be reported active")
	}
}

func TestSecurityReportMetricsDisabled(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.Metrics.Enabled = false
	})

	if engine.SecurityReport().MetricsActive {
		t.Error("metrics should be reported inactive")
	}
}

func TestMetricsFlowCounts(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := engine.IssueTokenPair(ctx, "user-1", "", false)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if _, err := engine.VerifyAccess(pair.AccessToken); err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snapshot := engine.MetricsSnapshot()
	want := map[MetricID]uint64{
		MetricPairIssued:     1,
		MetricVerifySuccess:  1,
		MetricRefreshSuccess: 1,
	}
	for id, expected := range want {
		if got := snapshot.Counters[id]; got != expected {
			t.Errorf("counter %d = %d, want %d", id, got, expected)
		}
	}
}
