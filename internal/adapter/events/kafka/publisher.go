// Package kafka exports the lifecycle event stream to a Kafka topic for
// external audit consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/loomhq/loom/internal/domain"
)

// Publisher produces lifecycle events, keyed by job id so per-job ordering
// survives partitioning.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher constructs a Publisher.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.kafka: no seed brokers")
	}
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.kafka: %w", err)
	}
	slog.Info("kafka event publisher created",
		slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Publisher{client: client, topic: topic}, nil
}

type eventRecord struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	TaskName  string    `json:"task,omitempty"`
	EventType string    `json:"event_type"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Publish produces the batch synchronously; a failed batch is retried whole
// by the relay, so consumers must tolerate duplicates.
func (p *Publisher) Publish(ctx context.Context, events []domain.Event) error {
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(eventRecord{
			ID: e.ID, JobID: e.JobID, TaskName: e.TaskName,
			EventType: e.EventType, OldState: string(e.OldState),
			NewState: string(e.NewState), Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("op=events.publish: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(e.JobID),
			Value: b,
		})
	}
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	return nil
}

// Close flushes and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}
