package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisStore(rdb)
}

func TestIssuerConsumesOnce(t *testing.T) {
	_, redisStore := newMiniredisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			issuer := NewIssuer(store, time.Minute)

			c, err := issuer.Issue(ctx, "0.0.4001")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if len(c.Nonce) != 32 || c.InvestorID != "0.0.4001" {
				t.Fatalf("unexpected challenge: %+v", c)
			}
			if err := issuer.Consume(ctx, c.Nonce, "0.0.4001"); err != nil {
				t.Fatalf("consume: %v", err)
			}
			if err := issuer.Consume(ctx, c.Nonce, "0.0.4001"); !errors.Is(err, ErrInvalidChallenge) {
				t.Fatalf("second consume should fail, got %v", err)
			}
		})
	}
}

func TestConsumeMatchesInvestorByAddress(t *testing.T) {
	ctx := context.Background()
	issuer := NewIssuer(NewMemoryStore(), time.Minute)

	c, err := issuer.Issue(ctx, "0.0.4001")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// long-zero form of 0.0.4001
	if err := issuer.Consume(ctx, c.Nonce, "0x0000000000000000000000000000000000000fa1"); err != nil {
		t.Fatalf("consume by evm address: %v", err)
	}

	c, _ = issuer.Issue(ctx, "0.0.4001")
	if err := issuer.Consume(ctx, c.Nonce, "0.0.4002"); !errors.Is(err, ErrInvalidChallenge) {
		t.Fatalf("nonce issued to another investor must be rejected, got %v", err)
	}
}

func TestIssueRejectsBadInvestor(t *testing.T) {
	issuer := NewIssuer(NewMemoryStore(), time.Minute)
	if _, err := issuer.Issue(context.Background(), ""); !errors.Is(err, ErrMissingInvestor) {
		t.Fatalf("expected ErrMissingInvestor, got %v", err)
	}
	if _, err := issuer.Issue(context.Background(), "not-an-account"); err == nil {
		t.Fatalf("expected malformed investor to be rejected")
	}
}

func TestRedisChallengeExpires(t *testing.T) {
	mr, store := newMiniredisStore(t)
	ctx := context.Background()
	issuer := NewIssuer(store, 30*time.Second)

	c, err := issuer.Issue(ctx, "0.0.4001")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ttl := mr.TTL(keyPrefix + c.Nonce); ttl != 30*time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	mr.FastForward(31 * time.Second)
	if err := issuer.Consume(ctx, c.Nonce, "0.0.4001"); !errors.Is(err, ErrInvalidChallenge) {
		t.Fatalf("expired challenge must be rejected, got %v", err)
	}
}

func TestMemoryChallengeExpires(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	issuer := NewIssuer(store, time.Minute)

	c, _ := issuer.Issue(context.Background(), "0.0.4001")
	clock = clock.Add(2 * time.Minute)
	if err := issuer.Consume(context.Background(), c.Nonce, "0.0.4001"); !errors.Is(err, ErrInvalidChallenge) {
		t.Fatalf("expired challenge must be rejected, got %v", err)
	}
}
