package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/domain"
)

// Ctx is the handler-side view of one call: the object key (empty for
// services) and the keyed state operations. Handlers run inside the caller's
// journal entry, so state access here is direct; the caller's call entry
// records the overall result.
type Ctx struct {
	ctx    context.Context
	store  domain.Store
	entity string
	key    string
}

// StdContext returns the request context for outbound work.
func (c *Ctx) StdContext() context.Context { return c.ctx }

// Key returns the object key of the call, empty for service handlers.
func (c *Ctx) Key() string { return c.key }

// Get reads a state field; a missing field yields nil with no error.
func (c *Ctx) Get(field string) ([]byte, error) {
	if err := domain.ValidateIdentifier("field", field); err != nil {
		return nil, err
	}
	val, err := c.store.GetObjectState(c.ctx, c.entity, c.key, field)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=entity.get_state: %w", err)
	}
	return val, nil
}

// Set writes a state field.
func (c *Ctx) Set(field string, value []byte) error {
	if err := domain.ValidateIdentifier("field", field); err != nil {
		return err
	}
	if err := domain.ValidatePayload("value", value); err != nil {
		return err
	}
	if err := c.store.SetObjectState(c.ctx, c.entity, c.key, field, value); err != nil {
		return fmt.Errorf("op=entity.set_state: %w", err)
	}
	return nil
}

// Clear removes a state field; clearing an absent field is a no-op.
func (c *Ctx) Clear(field string) error {
	if err := domain.ValidateIdentifier("field", field); err != nil {
		return err
	}
	if err := c.store.ClearObjectState(c.ctx, c.entity, c.key, field); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=entity.clear_state: %w", err)
	}
	return nil
}

// ClearAll removes every field of the object.
func (c *Ctx) ClearAll() error {
	if err := c.store.ClearAllObjectState(c.ctx, c.entity, c.key); err != nil {
		return fmt.Errorf("op=entity.clear_all_state: %w", err)
	}
	return nil
}
