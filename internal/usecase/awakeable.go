// Package usecase contains the application services the control plane and CLI
// call into. Services are thin over the store's transactional primitives;
// they add validation and notification, never business state of their own.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/domain"
)

// WakeNotifier broadcasts that a suspended task became runnable so schedulers
// can react before their next poll tick. Best-effort; the poll loop is
// authoritative.
type WakeNotifier interface {
	NotifyWake(ctx context.Context, jobID, taskName string) error
}

// AwakeableService settles and inspects durable promises.
type AwakeableService struct {
	Store    domain.Store
	Notifier WakeNotifier
}

// NewAwakeableService constructs an AwakeableService. notifier may be nil.
func NewAwakeableService(store domain.Store, notifier WakeNotifier) AwakeableService {
	return AwakeableService{Store: store, Notifier: notifier}
}

// Resolve settles the awakeable with payload and wakes the awaiting task.
// Fails with NotPending on any non-PENDING row, leaving it untouched.
func (s AwakeableService) Resolve(ctx context.Context, id string, payload []byte) (domain.Awakeable, error) {
	if _, _, err := domain.ParseAwakeableID(id); err != nil {
		return domain.Awakeable{}, err
	}
	if err := domain.ValidatePayload("payload", payload); err != nil {
		return domain.Awakeable{}, err
	}
	a, err := s.Store.SettleAwakeable(ctx, id, domain.AwakeableResolved, payload)
	if err != nil {
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.resolve: %w", err)
	}
	s.notify(ctx, a)
	slog.Info("awakeable resolved",
		slog.String("awakeable_id", id),
		slog.String("job_id", a.JobID),
		slog.String("task", a.TaskName))
	return a, nil
}

// Reject settles the awakeable with an error string. Empty error strings are
// refused: a rejection with no reason is unactionable downstream.
func (s AwakeableService) Reject(ctx context.Context, id, errMsg string) (domain.Awakeable, error) {
	if _, _, err := domain.ParseAwakeableID(id); err != nil {
		return domain.Awakeable{}, err
	}
	if errMsg == "" {
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.reject: empty error string: %w", domain.ErrInvalidArgument)
	}
	if err := domain.ValidatePayload("error", []byte(errMsg)); err != nil {
		return domain.Awakeable{}, err
	}
	a, err := s.Store.SettleAwakeable(ctx, id, domain.AwakeableRejected, []byte(errMsg))
	if err != nil {
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.reject: %w", err)
	}
	s.notify(ctx, a)
	slog.Info("awakeable rejected",
		slog.String("awakeable_id", id),
		slog.String("job_id", a.JobID),
		slog.String("task", a.TaskName))
	return a, nil
}

// Show loads one awakeable by id.
func (s AwakeableService) Show(ctx context.Context, id string) (domain.Awakeable, error) {
	if _, _, err := domain.ParseAwakeableID(id); err != nil {
		return domain.Awakeable{}, err
	}
	a, err := s.Store.GetAwakeable(ctx, id)
	if err != nil {
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.show: %w", err)
	}
	return a, nil
}

// List returns the awakeables of a job, newest first.
func (s AwakeableService) List(ctx context.Context, jobID string, limit int) ([]domain.Awakeable, error) {
	if err := domain.ValidateIdentifier("job_id", jobID); err != nil {
		return nil, err
	}
	out, err := s.Store.ListAwakeables(ctx, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=awakeable.list: %w", err)
	}
	return out, nil
}

// Sweep expires every PENDING awakeable whose deadline has passed, waking the
// affected tasks. Returns the number of settled rows. Serves both the
// periodic sweeper and the CLI timeout check so there is a single code path.
func (s AwakeableService) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.Store.ExpireAwakeables(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("op=awakeable.sweep: %w", err)
	}
	for _, a := range expired {
		s.notify(ctx, a)
		slog.Warn("awakeable timed out",
			slog.String("awakeable_id", a.ID),
			slog.String("job_id", a.JobID),
			slog.String("task", a.TaskName))
	}
	return len(expired), nil
}

func (s AwakeableService) notify(ctx context.Context, a domain.Awakeable) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.NotifyWake(ctx, a.JobID, a.TaskName); err != nil {
		slog.Debug("wake notification failed",
			slog.String("job_id", a.JobID),
			slog.Any("error", err))
	}
}
