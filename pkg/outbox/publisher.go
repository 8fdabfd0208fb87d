package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/regentlabs/regent/pkg/retry"
)

// ErrAbandoned is returned by Drain when at least one event exhausted its
// attempts during the pass.
var ErrAbandoned = errors.New("outbox: events abandoned after exhausting attempts")

// Publisher drains pending events to a sink with at-least-once delivery.
// Failed deliveries are rescheduled with deterministic backoff; once attempts
// are exhausted the event is marked abandoned and the failure is surfaced,
// never silently dropped.
type Publisher struct {
	store     Store
	sink      Sink
	policy    retry.Policy
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	clock     func() time.Time

	// OnAbandon, when set, is invoked for every event that exhausts its
	// attempts.
	OnAbandon func(ev Event, err error)
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPolicy overrides the retry policy.
func WithPolicy(p retry.Policy) PublisherOption {
	return func(pub *Publisher) { pub.policy = p }
}

// WithInterval overrides the scan interval.
func WithInterval(d time.Duration) PublisherOption {
	return func(pub *Publisher) { pub.interval = d }
}

// WithBatchSize overrides the per-scan batch size.
func WithBatchSize(n int) PublisherOption {
	return func(pub *Publisher) { pub.batchSize = n }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) PublisherOption {
	return func(pub *Publisher) { pub.logger = l }
}

// WithPublisherClock overrides the clock for testing.
func WithPublisherClock(clock func() time.Time) PublisherOption {
	return func(pub *Publisher) { pub.clock = clock }
}

// NewPublisher creates a publisher over a store and sink.
func NewPublisher(store Store, sink Sink, opts ...PublisherOption) *Publisher {
	pub := &Publisher{
		store:     store,
		sink:      sink,
		policy:    retry.DefaultPublishPolicy,
		interval:  time.Second,
		batchSize: 100,
		logger:    slog.Default().With("component", "outbox.publisher"),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(pub)
	}
	return pub
}

// Run drains pending events until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("drain pass failed", "error", err)
			}
		}
	}
}

// Drain performs a single publish pass. It returns ErrAbandoned (wrapped with
// detail) when any event exhausted its attempts during the pass.
func (p *Publisher) Drain(ctx context.Context) error {
	events, err := p.store.PendingScan(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("outbox: scan: %w", err)
	}

	var abandoned int
	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.publishOne(ctx, ev); err != nil {
			abandoned++
		}
	}
	if abandoned > 0 {
		return fmt.Errorf("%w: %d in this pass", ErrAbandoned, abandoned)
	}
	return nil
}

// publishOne attempts delivery of a single event. A non-nil return means the
// event was abandoned.
func (p *Publisher) publishOne(ctx context.Context, ev Event) error {
	pubErr := p.sink.Publish(ctx, ev)
	if pubErr == nil {
		if err := p.store.MarkPublished(ctx, ev.EventID); err != nil {
			p.logger.Error("mark published failed", "event_id", ev.EventID, "error", err)
		}
		return nil
	}

	attempts := ev.Attempts + 1
	if attempts >= p.policy.MaxAttempts {
		if err := p.store.Abandon(ctx, ev.EventID, pubErr.Error()); err != nil {
			p.logger.Error("abandon failed", "event_id", ev.EventID, "error", err)
		}
		p.logger.Error("event abandoned after exhausting attempts",
			"event_id", ev.EventID,
			"execution_id", ev.ExecutionID,
			"attempts", attempts,
			"error", pubErr)
		if p.OnAbandon != nil {
			p.OnAbandon(ev, pubErr)
		}
		return pubErr
	}

	delay := retry.Backoff(retry.Params{
		Component:    "outbox",
		Key:          ev.EventID,
		AttemptIndex: attempts,
	}, p.policy)
	next := p.clock().UTC().Add(delay)
	if err := p.store.MarkRetry(ctx, ev.EventID, attempts, next, pubErr.Error()); err != nil {
		p.logger.Error("mark retry failed", "event_id", ev.EventID, "error", err)
	}
	p.logger.Warn("publish failed, rescheduled",
		"event_id", ev.EventID,
		"attempt", attempts,
		"next_attempt_at", next,
		"error", pubErr)
	return nil
}
