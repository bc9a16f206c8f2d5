package worker

import (
	"context"
	"log/slog"

	audit "pich/pkg/platform/audit"
)

// Worker consumes audit events from a channel and hands them to a store.
// Delivery failures are logged and do not stop the loop.
type Worker struct {
	store  audit.Store
	inbox  <-chan audit.Event
	logger *slog.Logger
}

func NewWorker(store audit.Store, inbox <-chan audit.Event, logger *slog.Logger) *Worker {
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// Run drains the inbox until it is closed. Cancelling ctx stops the loop
// without draining.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			w.deliver(event)
		}
	}
}

func (w *Worker) deliver(event audit.Event) {
	// Request contexts are gone by now; delivery uses its own.
	if err := w.store.Append(context.Background(), event); err != nil && w.logger != nil {
		w.logger.Error("audit delivery failed",
			"action", event.Action,
			"user_id", event.UserID,
			"request_id", event.RequestID,
			"error", err,
		)
	}
}
