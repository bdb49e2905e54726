package graph

import (
	"context"
	"time"
)

// runNodeWithTimeout executes fn under ctx, bounding it to timeout if
// timeout is positive. A zero timeout runs fn under ctx unmodified (no
// per-node bound beyond whatever the caller already imposed, e.g. the
// invocation's overall Config.Timeout).
func runNodeWithTimeout[S any](ctx context.Context, fn NodeFunc[S], state S, timeout time.Duration) (S, error) {
	if timeout <= 0 {
		return fn(ctx, state)
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := fn(nodeCtx, state)
	if err == nil && nodeCtx.Err() == context.DeadlineExceeded {
		err = context.DeadlineExceeded
	}
	return out, err
}
