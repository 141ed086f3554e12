package usecase

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/internal/domain"
)

// EventService reads the lifecycle audit stream.
type EventService struct {
	Store domain.Store
}

// NewEventService constructs an EventService.
func NewEventService(store domain.Store) EventService {
	return EventService{Store: store}
}

// List returns the events of one job in emission order.
func (s EventService) List(ctx context.Context, jobID string, limit int) ([]domain.Event, error) {
	if err := domain.ValidateIdentifier("job_id", jobID); err != nil {
		return nil, err
	}
	out, err := s.Store.ListEvents(ctx, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	return out, nil
}

// Since returns events after the given id, across all jobs, for relaying.
func (s EventService) Since(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	out, err := s.Store.EventsSince(ctx, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=event.since: %w", err)
	}
	return out, nil
}
