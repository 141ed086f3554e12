// Package redis implements the wake notification fan-out on Redis pub/sub.
// Notifications are best-effort hints that shorten scheduler latency; the
// poll loops remain authoritative.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// WakeChannel is the pub/sub channel wake notifications are published on.
const WakeChannel = "loom.wake"

type wakeMessage struct {
	JobID    string `json:"job_id"`
	TaskName string `json:"task"`
}

// Notifier publishes wake notifications.
type Notifier struct {
	client *goredis.Client
}

// NewNotifier constructs a Notifier from a Redis URL.
func NewNotifier(url string) (*Notifier, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=notify.redis: %w", err)
	}
	return &Notifier{client: goredis.NewClient(opts)}, nil
}

// NewNotifierFromClient wraps an existing client, for tests.
func NewNotifierFromClient(client *goredis.Client) *Notifier {
	return &Notifier{client: client}
}

// NotifyWake broadcasts that (jobID, taskName) became runnable.
func (n *Notifier) NotifyWake(ctx context.Context, jobID, taskName string) error {
	b, err := json.Marshal(wakeMessage{JobID: jobID, TaskName: taskName})
	if err != nil {
		return fmt.Errorf("op=notify.wake: %w", err)
	}
	if err := n.client.Publish(ctx, WakeChannel, b).Err(); err != nil {
		return fmt.Errorf("op=notify.wake: %w", err)
	}
	return nil
}

// Ping checks connectivity, for readiness probes.
func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Close releases the client.
func (n *Notifier) Close() error { return n.client.Close() }

// Listen subscribes to wake notifications and invokes fn for each one until
// ctx is cancelled. Malformed messages are logged and skipped.
func (n *Notifier) Listen(ctx context.Context, fn func(jobID, taskName string)) error {
	sub := n.client.Subscribe(ctx, WakeChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var wake wakeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &wake); err != nil {
				slog.Warn("malformed wake message", slog.Any("error", err))
				continue
			}
			fn(wake.JobID, wake.TaskName)
		}
	}
}
