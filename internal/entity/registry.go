// Package entity implements the handler registry and call dispatch for the
// three entity kinds: stateless services, keyed virtual objects with a
// single-writer lock, and workflows with exactly-once run semantics.
package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomhq/loom/internal/domain"
)

// HandlerFunc is an entity handler. Services receive a Ctx with an empty key;
// virtual-object and workflow handlers receive the keyed state of their
// object.
type HandlerFunc func(ctx *Ctx, payload []byte) ([]byte, error)

// HandlerDef pairs a handler body with its declared access mode.
type HandlerDef struct {
	Mode domain.HandlerMode
	Fn   HandlerFunc
}

// Definition declares an entity and its handlers for registration.
type Definition struct {
	Name     string
	Type     domain.EntityType
	Handlers map[string]HandlerDef
}

type registered struct {
	typ      domain.EntityType
	handlers map[string]HandlerDef
}

// Registry holds the registered entities and routes calls to them. It is the
// engine's Dispatcher.
type Registry struct {
	store domain.Store

	mu       sync.RWMutex
	entities map[string]registered
}

// NewRegistry builds an empty registry over store.
func NewRegistry(store domain.Store) *Registry {
	return &Registry{store: store, entities: make(map[string]registered)}
}

// Register validates the definition, persists it, and makes its handlers
// callable. Handler modes must match the entity type: services use call,
// virtual objects read/write, workflows exactly one run plus signal/read.
func (r *Registry) Register(ctx context.Context, def Definition) error {
	if err := domain.ValidateIdentifier("entity", def.Name); err != nil {
		return err
	}
	if len(def.Handlers) == 0 {
		return fmt.Errorf("op=entity.register: %s declares no handlers: %w", def.Name, domain.ErrInvalidArgument)
	}
	runs := 0
	for name, h := range def.Handlers {
		if err := domain.ValidateIdentifier("handler", name); err != nil {
			return err
		}
		if h.Fn == nil {
			return fmt.Errorf("op=entity.register: %s/%s has no body: %w", def.Name, name, domain.ErrInvalidArgument)
		}
		if err := modeAllowed(def.Type, h.Mode); err != nil {
			return fmt.Errorf("op=entity.register: %s/%s: %w", def.Name, name, err)
		}
		if h.Mode == domain.ModeRun {
			runs++
		}
	}
	if def.Type == domain.EntityWorkflow && runs != 1 {
		return fmt.Errorf("op=entity.register: workflow %s needs exactly one run handler, has %d: %w",
			def.Name, runs, domain.ErrInvalidArgument)
	}

	modes := make(map[string]domain.HandlerMode, len(def.Handlers))
	handlers := make(map[string]HandlerDef, len(def.Handlers))
	for name, h := range def.Handlers {
		modes[name] = h.Mode
		handlers[name] = h
	}
	if err := r.store.RegisterEntity(ctx, domain.Entity{
		Name:     def.Name,
		Type:     def.Type,
		Handlers: modes,
	}); err != nil {
		return fmt.Errorf("op=entity.register: %w", err)
	}

	r.mu.Lock()
	r.entities[def.Name] = registered{typ: def.Type, handlers: handlers}
	r.mu.Unlock()
	return nil
}

func modeAllowed(typ domain.EntityType, mode domain.HandlerMode) error {
	ok := false
	switch typ {
	case domain.EntityService:
		ok = mode == domain.ModeCall
	case domain.EntityVirtualObject:
		ok = mode == domain.ModeRead || mode == domain.ModeWrite
	case domain.EntityWorkflow:
		ok = mode == domain.ModeRun || mode == domain.ModeSignal || mode == domain.ModeRead
	default:
		return fmt.Errorf("unknown entity type %q: %w", typ, domain.ErrInvalidArgument)
	}
	if !ok {
		return fmt.Errorf("mode %q not allowed on %s: %w", mode, typ, domain.ErrInvalidArgument)
	}
	return nil
}

func (r *Registry) lookup(entity, handler string) (registered, HandlerDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entities[entity]
	if !ok {
		return registered{}, HandlerDef{}, fmt.Errorf("op=entity.lookup: entity %s: %w", entity, domain.ErrNotFound)
	}
	h, ok := reg.handlers[handler]
	if !ok {
		return registered{}, HandlerDef{}, fmt.Errorf("op=entity.lookup: handler %s/%s: %w", entity, handler, domain.ErrNotFound)
	}
	return reg, h, nil
}
