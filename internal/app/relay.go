package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomhq/loom/internal/domain"
)

// EventPublisher exports lifecycle events to an external bus.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.Event) error
}

// EventRelay tails the events table and forwards new rows to a publisher.
// The cursor is in memory and starts at zero, so a restarted relay republishes
// retained history; the stream is at-least-once and consumers de-duplicate by
// event id. The trade is zero cursor bookkeeping in the store.
type EventRelay struct {
	store     domain.Store
	publisher EventPublisher
	interval  time.Duration

	cursor int64
}

// NewEventRelay builds a relay polling at interval.
func NewEventRelay(store domain.Store, publisher EventPublisher, interval time.Duration) *EventRelay {
	if interval <= 0 {
		interval = time.Second
	}
	return &EventRelay{store: store, publisher: publisher, interval: interval}
}

// Run polls until ctx is cancelled. No-op without a publisher.
func (r *EventRelay) Run(ctx context.Context) {
	if r.publisher == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("event relay stopping")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick forwards one page of new events and advances the cursor past what was
// delivered. Returns the number of published events.
func (r *EventRelay) Tick(ctx context.Context) int {
	tracer := otel.Tracer("app.relay")
	ctx, span := tracer.Start(ctx, "EventRelay.Tick")
	defer span.End()

	events, err := r.store.EventsSince(ctx, r.cursor, listPageSize)
	if err != nil {
		slog.Error("event relay list failed", slog.Any("error", err))
		return 0
	}
	if len(events) == 0 {
		return 0
	}
	if err := r.publisher.Publish(ctx, events); err != nil {
		// Cursor stays put; the page is retried next tick.
		slog.Warn("event publish failed", slog.Any("error", err))
		return 0
	}
	r.cursor = events[len(events)-1].ID
	span.SetAttributes(attribute.Int("events.published", len(events)))
	return len(events)
}
