// Package commands is the action plumbing shared by the state machines:
// typed commands, a handler bus, guards and a single-consumer runner.
package commands

import (
	"context"
	"errors"
)

var ErrHandlerNotFound = errors.New("commands: no handler registered")

type Command interface {
	CommandType() string
	Validate() error
}

type Handler interface {
	Handle(ctx context.Context, cmd Command) error
}

type HandlerFunc func(ctx context.Context, cmd Command) error

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}
