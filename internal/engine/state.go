package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/domain"
)

// ObjectContext extends Context with the keyed state of one virtual object.
// Handed to virtual-object and workflow handlers; reads are journaled so
// replays observe the value from the original execution. Mutations apply to
// the store before they are journaled and are skipped on replay: the journal
// must never assert a write the store has not received, and re-executing a
// mutation after a crash between the two is idempotent.
type ObjectContext struct {
	*Context
	entity string
	key    string
}

// NewObjectContext binds ctx to the state of (entity, key).
func NewObjectContext(ctx *Context, entity, key string) *ObjectContext {
	return &ObjectContext{Context: ctx, entity: entity, key: key}
}

// Key returns the object key the handler is bound to.
func (o *ObjectContext) Key() string { return o.key }

type stateInput struct {
	Field string `json:"field,omitempty"`
}

// GetState reads field from the object's state. A missing field yields nil
// with no error. The read value is journaled, so a concurrent writer between
// attempts cannot change what a replay observes.
func (o *ObjectContext) GetState(field string) ([]byte, error) {
	if err := domain.ValidateIdentifier("field", field); err != nil {
		return nil, err
	}
	input, _ := json.Marshal(stateInput{Field: field})
	e, replayed, err := o.step(domain.OpGetState, "get "+field, input)
	if err != nil {
		return nil, err
	}
	if replayed && e.Completed() {
		return e.Output, nil
	}
	val, err := o.store.GetObjectState(o.ctx, o.entity, o.key, field)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("op=engine.get_state: %w", err)
	}
	if err := o.complete(e.EntryIndex, val, domain.FailureCodeNone, ""); err != nil {
		return nil, err
	}
	return val, nil
}

// SetState writes field=value. Apply-then-journal: the write lands in the
// store first, so a crash before the journal append re-executes it on the
// next attempt instead of losing it behind a completed entry.
func (o *ObjectContext) SetState(field string, value []byte) error {
	if err := domain.ValidateIdentifier("field", field); err != nil {
		return err
	}
	if err := domain.ValidatePayload("value", value); err != nil {
		return err
	}
	input, _ := json.Marshal(stateInput{Field: field})
	if o.Replaying() {
		_, _, err := o.step(domain.OpSetState, "set "+field, input)
		return err
	}
	if err := o.store.SetObjectState(o.ctx, o.entity, o.key, field, value); err != nil {
		return fmt.Errorf("op=engine.set_state: %w", err)
	}
	_, _, err := o.step(domain.OpSetState, "set "+field, input)
	return err
}

// ClearState removes field. Clearing an absent field is a no-op.
func (o *ObjectContext) ClearState(field string) error {
	if err := domain.ValidateIdentifier("field", field); err != nil {
		return err
	}
	input, _ := json.Marshal(stateInput{Field: field})
	if o.Replaying() {
		_, _, err := o.step(domain.OpClearState, "clear "+field, input)
		return err
	}
	if err := o.store.ClearObjectState(o.ctx, o.entity, o.key, field); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=engine.clear_state: %w", err)
	}
	_, _, err := o.step(domain.OpClearState, "clear "+field, input)
	return err
}

// ClearAllState removes every field of the object.
func (o *ObjectContext) ClearAllState() error {
	if o.Replaying() {
		_, _, err := o.step(domain.OpClearAllState, "clear-all", nil)
		return err
	}
	if err := o.store.ClearAllObjectState(o.ctx, o.entity, o.key); err != nil {
		return fmt.Errorf("op=engine.clear_all_state: %w", err)
	}
	_, _, err := o.step(domain.OpClearAllState, "clear-all", nil)
	return err
}
