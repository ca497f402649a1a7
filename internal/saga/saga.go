// Package saga provisions, scales, and tears down swarms as multi-step
// transactions over external resources. Each step that succeeds registers a
// compensation; when a later step fails the registered compensations run in
// reverse order so a failed operation leaves no sandboxes, records, or
// charges behind.
package saga

import (
	"context"
	"fmt"
	"log/slog"
)

type compensation struct {
	name string
	fn   func(context.Context) error
}

// runner tracks the compensation stack for one operation. It is not safe for
// concurrent use; every operation builds its own.
type runner struct {
	undo []compensation
}

func newRunner() *runner {
	return &runner{}
}

// step runs action and, on success, pushes compensate onto the undo stack.
// Compensations register only after their action succeeded: a failed step
// must clean up after itself before returning.
func (r *runner) step(ctx context.Context, name string, action, compensate func(context.Context) error) error {
	if err := action(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if compensate != nil {
		r.undo = append(r.undo, compensation{name: name, fn: compensate})
	}
	return nil
}

// unwind runs the registered compensations newest-first. Compensation
// failures are logged and skipped; the remaining stack still runs, and the
// original step error is what the caller reports.
func (r *runner) unwind(ctx context.Context) {
	// The triggering failure may have been a context cancellation; cleanup
	// still has to run.
	ctx = context.WithoutCancel(ctx)
	for i := len(r.undo) - 1; i >= 0; i-- {
		c := r.undo[i]
		if err := c.fn(ctx); err != nil {
			slog.Warn("compensation failed", "step", c.name, "error", err)
		}
	}
	r.undo = nil
}
