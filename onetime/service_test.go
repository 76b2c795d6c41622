package onetime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lingokit/authcore/internal"
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

func newTestService(t *testing.T, client *redis.Client, purpose Purpose) (*Service, *time.Time) {
	t.Helper()

	svc, err := NewService(NewRedisStore(client, "aot"), purpose, Config{
		TTL:       15 * time.Minute,
		Retention: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	now := time.Now()
	clock := &now
	svc.now = func() time.Time { return *clock }

	return svc, clock
}

func TestIssueConsumeRoundTrip(t *testing.T) {
	_, client := newTestRedis(t)
	svc, clock := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "203.0.113.7", "curl/8.0")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.Token == "" || issued.TokenID == "" {
		t.Fatal("Issue returned empty token or id")
	}
	if got, want := issued.ExpiresAt, clock.Add(15*time.Minute); !got.Equal(want) {
		t.Errorf("expiry = %v, want %v", got, want)
	}

	userID, err := svc.Consume(ctx, issued.Token, "198.51.100.23", "firefox")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("consumed owner = %q, want user-1", userID)
	}

	rec, err := svc.store.Get(ctx, PurposePasswordReset.prefix(), issued.TokenID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.UsedAt == 0 {
		t.Error("UsedAt not stamped on consume")
	}
	if rec.UsedIP != "198.51.100.23" || rec.UsedUA != "firefox" {
		t.Errorf("consume audit fields = %q/%q", rec.UsedIP, rec.UsedUA)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	_, client := newTestRedis(t)
	svc, _ := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Consume(ctx, issued.Token, "", ""); err != nil {
		t.Fatalf("first Consume: %v", err)
	}

	if _, err := svc.Consume(ctx, issued.Token, "", ""); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("second Consume error = %v, want ErrAlreadyUsed", err)
	}
}

func TestConsumeExpired(t *testing.T) {
	_, client := newTestRedis(t)
	svc, clock := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	*clock = clock.Add(15*time.Minute + time.Second)

	if _, err := svc.Consume(ctx, issued.Token, "", ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired Consume error = %v, want ErrExpired", err)
	}
}

func TestConsumeAtBoundaryStillValid(t *testing.T) {
	_, client := newTestRedis(t)
	svc, clock := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	*clock = clock.Add(15 * time.Minute)

	if _, err := svc.Consume(ctx, issued.Token, "", ""); err != nil {
		t.Fatalf("Consume at expiry boundary: %v", err)
	}
}

func TestConsumeWrongSecretDoesNotBurn(t *testing.T) {
	_, client := newTestRedis(t)
	svc, _ := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	wrongSecret, err := internal.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	forged, err := internal.EncodeToken(PurposePasswordReset.prefix(), issued.TokenID, wrongSecret)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	if _, err := svc.Consume(ctx, forged, "", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("forged Consume error = %v, want ErrInvalid", err)
	}

	// A guessed-wrong secret must not consume the real token.
	if _, err := svc.Consume(ctx, issued.Token, "", ""); err != nil {
		t.Fatalf("legitimate Consume after forgery attempt: %v", err)
	}
}

func TestUsedWinsOverExpired(t *testing.T) {
	_, client := newTestRedis(t)
	svc, clock := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Consume(ctx, issued.Token, "", ""); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	*clock = clock.Add(time.Hour)

	// A consumed token replayed after its expiry still answers already-used.
	if _, err := svc.Consume(ctx, issued.Token, "", ""); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("late replay error = %v, want ErrAlreadyUsed", err)
	}
}

func TestExpiredWinsOverWrongSecret(t *testing.T) {
	_, client := newTestRedis(t)
	svc, clock := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	wrongSecret, err := internal.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	forged, err := internal.EncodeToken(PurposePasswordReset.prefix(), issued.TokenID, wrongSecret)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	*clock = clock.Add(time.Hour)

	if _, err := svc.Consume(ctx, forged, "", ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired forged Consume error = %v, want ErrExpired", err)
	}
}

func TestPurposeSeparation(t *testing.T) {
	_, client := newTestRedis(t)
	reset, _ := newTestService(t, client, PurposePasswordReset)
	verify, _ := newTestService(t, client, PurposeEmailVerification)
	ctx := context.Background()

	issued, err := reset.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := verify.Consume(ctx, issued.Token, "", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("cross-purpose Consume error = %v, want ErrInvalid", err)
	}

	// Still consumable under its own purpose.
	if _, err := reset.Consume(ctx, issued.Token, "", ""); err != nil {
		t.Fatalf("same-purpose Consume: %v", err)
	}
}

func TestConsumeMalformedAndUnknown(t *testing.T) {
	_, client := newTestRedis(t)
	svc, _ := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	for _, token := range []string{"", "garbage", "prt.not-a-uuid.c2VjcmV0"} {
		if _, err := svc.Consume(ctx, token, "", ""); !errors.Is(err, ErrInvalid) {
			t.Errorf("Consume(%q) error = %v, want ErrInvalid", token, err)
		}
	}

	secret, err := internal.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	unknown, err := internal.EncodeToken(PurposePasswordReset.prefix(), uuid.NewString(), secret)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	if _, err := svc.Consume(ctx, unknown, "", ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown token error = %v, want ErrInvalid", err)
	}
}

func TestIssueDoesNotInvalidateEarlierTokens(t *testing.T) {
	_, client := newTestRedis(t)
	svc, _ := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue first: %v", err)
	}
	second, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue second: %v", err)
	}

	if _, err := svc.Consume(ctx, first.Token, "", ""); err != nil {
		t.Fatalf("Consume first: %v", err)
	}
	if _, err := svc.Consume(ctx, second.Token, "", ""); err != nil {
		t.Fatalf("Consume second: %v", err)
	}
}

func TestConcurrentConsumeSingleSuccess(t *testing.T) {
	_, client := newTestRedis(t)
	svc, _ := newTestService(t, client, PurposePasswordReset)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const workers = 6
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(ctx, issued.Token, "", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyUsed):
		default:
			t.Errorf("unexpected consume error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("concurrent consumes won %d times, want exactly 1", wins)
	}
}

func TestNewServiceValidation(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, "")

	if _, err := NewService(nil, PurposePasswordReset, Config{}); err == nil {
		t.Error("NewService accepted nil store")
	}
	if _, err := NewService(store, Purpose("mystery"), Config{}); err == nil {
		t.Error("NewService accepted unknown purpose")
	}

	svc, err := NewService(store, PurposeEmailVerification, Config{TTL: time.Second})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.config.TTL != 5*time.Minute {
		t.Errorf("TTL = %v, want floor 5m", svc.config.TTL)
	}
	if svc.config.Retention != 24*time.Hour {
		t.Errorf("Retention = %v, want default 24h", svc.config.Retention)
	}
}
