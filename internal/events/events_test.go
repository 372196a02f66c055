package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStreamPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	stream := NewRedisStream(rdb, "test:events", 10)
	ctx := context.Background()

	e := New(TypeInvestmentRecorded, map[string]string{"investorId": "0.0.4001", "vusdAmount": "100"})
	if err := stream.Publish(ctx, e); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := rdb.XRange(ctx, "test:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	vals := msgs[0].Values
	if vals["type"] != TypeInvestmentRecorded || vals["id"] != e.ID {
		t.Fatalf("unexpected values: %+v", vals)
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(vals["data"].(string)), &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["vusdAmount"] != "100" {
		t.Fatalf("unexpected data: %+v", data)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("sink down")
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBestEffortSwallowsFailures(t *testing.T) {
	next := &failingPublisher{}
	p := NewBestEffort(next, time.Second, nil)

	if err := p.Publish(context.Background(), New(TypeYieldPaid, nil)); err != nil {
		t.Fatalf("best effort must not fail: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected 1 call, got %d", next.calls)
	}
}

func TestBestEffortBoundsSlowSinks(t *testing.T) {
	p := NewBestEffort(blockingPublisher{}, 20*time.Millisecond, nil)

	start := time.Now()
	if err := p.Publish(context.Background(), New(TypeYieldPaid, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("publish was not bounded")
	}
}

func TestBestEffortIgnoresCallerCancellation(t *testing.T) {
	rec := &Recorder{}
	p := NewBestEffort(rec, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Publish(ctx, New(TypeInvestmentRecorded, nil))

	if len(rec.Events()) != 1 {
		t.Fatalf("event dropped after caller cancelled")
	}
}

func TestRecorderOfType(t *testing.T) {
	rec := &Recorder{}
	_ = rec.Publish(context.Background(), New(TypeYieldPaid, nil))
	_ = rec.Publish(context.Background(), New(TypeSettlementAnomaly, nil))
	_ = rec.Publish(context.Background(), New(TypeYieldPaid, nil))

	if got := len(rec.OfType(TypeYieldPaid)); got != 2 {
		t.Fatalf("expected 2 YIELD_PAID, got %d", got)
	}
}
