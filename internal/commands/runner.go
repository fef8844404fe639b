package commands

import (
	"context"
	"sync"

	"sentinal-convos/internal/events"
)

// Runner executes submitted commands one at a time, in submission order.
// Submit never blocks and never runs the command on the caller's goroutine.
type Runner struct {
	bus    *Bus
	queue  *events.Queue[Command]
	onDone func(ctx context.Context, cmd Command, err error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewRunner dispatches through bus. onDone, if set, observes every result on
// the runner goroutine.
func NewRunner(bus *Bus, onDone func(ctx context.Context, cmd Command, err error)) *Runner {
	return &Runner{
		bus:    bus,
		queue:  events.NewQueue[Command](),
		onDone: onDone,
		done:   make(chan struct{}),
	}
}

// Submit enqueues cmd. It returns false once the runner is closed.
func (r *Runner) Submit(cmd Command) bool {
	return r.queue.Enqueue(cmd)
}

// Start launches the loop. Calling it twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	for {
		cmd, ok := r.queue.Next(ctx)
		if !ok {
			return
		}

		actionCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.cancel = cancel
		r.mu.Unlock()

		err := r.bus.Execute(actionCtx, cmd)

		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()

		if r.onDone != nil {
			r.onDone(ctx, cmd, err)
		}
	}
}

// CancelCurrent cancels the context of the command being executed, if any.
// Queued commands are unaffected.
func (r *Runner) CancelCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Close stops accepting commands, cancels the running one and waits for the
// loop to drain what is already queued.
func (r *Runner) Close() {
	r.queue.Close()
	r.CancelCurrent()

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
}
