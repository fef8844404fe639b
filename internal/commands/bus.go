package commands

import (
	"context"
	"sync"
)

type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	guards   *GuardChain
}

func NewBus(guards ...Guard) *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
		guards:   NewGuardChain(guards...),
	}
}

func (b *Bus) Register(commandType string, handler Handler) {
	b.mu.Lock()
	b.handlers[commandType] = handler
	b.mu.Unlock()
}

// Execute validates cmd, runs the guards and dispatches to the registered
// handler.
func (b *Bus) Execute(ctx context.Context, cmd Command) error {
	b.mu.RLock()
	h, ok := b.handlers[cmd.CommandType()]
	b.mu.RUnlock()
	if !ok {
		return ErrHandlerNotFound
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := b.guards.Allow(ctx, cmd); err != nil {
		return err
	}
	return h.Handle(ctx, cmd)
}
