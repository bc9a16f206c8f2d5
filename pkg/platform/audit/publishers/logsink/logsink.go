// Package logsink writes audit events as structured log lines.
package logsink

import (
	"context"
	"log/slog"

	audit "pich/pkg/platform/audit"
)

type Sink struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Sink {
	return &Sink{logger: logger}
}

func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	args := []any{
		"log_type", "audit",
		"event", event.Action,
		"user_id", event.UserID.String(),
		"request_id", event.RequestID,
		"occurred_at", event.Timestamp,
	}
	if event.Subject != "" {
		args = append(args, "subject", event.Subject)
	}
	if event.ClientIP != "" {
		args = append(args, "client_ip", event.ClientIP)
	}
	if event.Device != "" {
		args = append(args, "device", event.Device)
	}
	for k, v := range event.Attrs {
		args = append(args, k, v)
	}
	s.logger.InfoContext(ctx, "audit event", args...)
	return nil
}
