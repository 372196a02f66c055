package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"voltsettle/internal/metrics"

	"github.com/google/uuid"
)

const (
	TypeInvestmentRecorded = "INVESTMENT_RECORDED"
	TypeYieldPaid          = "YIELD_PAID"
	TypeSettlementAnomaly  = "SETTLEMENT_ANOMALY"
	TypeManualReview       = "MANUAL_REVIEW"
)

// Event is an audit record. Data values are strings so every sink renders
// amounts exactly as the ledger stores them.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurredAt"`
	Data       map[string]string `json:"data"`
}

func New(eventType string, data map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the process log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	blob, err := json.Marshal(e)
	if err != nil {
		return err
	}
	log.Printf("events: %s", blob)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// BestEffort bounds each publish and never reports failure to the caller.
// Ledger state is authoritative; events are an audit trail.
type BestEffort struct {
	next    Publisher
	timeout time.Duration
	metrics *metrics.Registry
}

func NewBestEffort(next Publisher, timeout time.Duration, m *metrics.Registry) *BestEffort {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BestEffort{next: next, timeout: timeout, metrics: m}
}

func (b *BestEffort) Publish(ctx context.Context, e Event) error {
	if b == nil || b.next == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()
	if err := b.next.Publish(ctx, e); err != nil {
		log.Printf("events: publish %s %s failed: %v", e.Type, e.ID, err)
		b.metrics.IncEvent(e.Type, "failed")
		return nil
	}
	b.metrics.IncEvent(e.Type, "ok")
	return nil
}
