package node

import (
	"context"

	"p2p-network/internal/core/network"
)

// awaitEvent consumes overlay events until match accepts one. Every event
// match rejects is observed as in the main loop, so gossip keeps flowing to
// the operator while a command is outstanding.
func awaitEvent[T any](ctx context.Context, t *Task, match func(network.Event) (T, bool)) (T, error) {
	var zero T
	events := t.overlay.Events()
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return zero, ErrOverlayClosed
			}
			if v, ok := match(ev); ok {
				t.metrics.event(ev)
				return v, nil
			}
			if err := t.observe(ctx, ev); err != nil {
				return zero, err
			}
		}
	}
}

// awaitQuery waits for the QueryResult of id whose outcome match accepts.
func awaitQuery[T network.QueryOutcome](ctx context.Context, t *Task, id network.QueryID, match func(network.QueryOutcome) (T, bool)) (T, error) {
	return awaitEvent(ctx, t, func(ev network.Event) (T, bool) {
		var zero T
		qr, ok := ev.(network.QueryResult)
		if !ok || qr.ID != id {
			return zero, false
		}
		return match(qr.Outcome)
	})
}
