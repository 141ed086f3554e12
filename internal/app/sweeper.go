package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomhq/loom/internal/usecase"
)

// TimeoutSweeper expires overdue awakeables on a schedule. The CLI's manual
// timeout check calls the same service method, so there is exactly one
// expiry code path.
type TimeoutSweeper struct {
	awakeables usecase.AwakeableService
	interval   time.Duration
}

// NewTimeoutSweeper builds a sweeper polling at interval.
func NewTimeoutSweeper(awakeables usecase.AwakeableService, interval time.Duration) *TimeoutSweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &TimeoutSweeper{awakeables: awakeables, interval: interval}
}

// Run polls until ctx is cancelled.
func (s *TimeoutSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("timeout sweeper stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick expires due awakeables once.
func (s *TimeoutSweeper) Tick(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "TimeoutSweeper.Tick")
	defer span.End()

	n, err := s.awakeables.Sweep(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("awakeable sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("awakeables.expired", n))
}
