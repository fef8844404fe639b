package commands

import "context"

// Guard rejects commands that are not legal right now.
type Guard interface {
	Allow(ctx context.Context, cmd Command) error
}

type GuardFunc func(ctx context.Context, cmd Command) error

func (f GuardFunc) Allow(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

type GuardChain struct {
	guards []Guard
}

func NewGuardChain(guards ...Guard) *GuardChain {
	items := make([]Guard, 0, len(guards))
	for _, g := range guards {
		if g != nil {
			items = append(items, g)
		}
	}
	return &GuardChain{guards: items}
}

func (c *GuardChain) Allow(ctx context.Context, cmd Command) error {
	for _, g := range c.guards {
		if err := g.Allow(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}
