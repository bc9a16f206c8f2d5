package audit

import (
	"context"
	"time"

	id "pich/pkg/domain"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	UserID    id.UserID         `json:"user_id"`
	Subject   string            `json:"subject,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Device    string            `json:"device,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

type AuditEvent string

const (
	EventUserCreated       AuditEvent = "user_created"
	EventUserUpdated       AuditEvent = "user_updated"
	EventUserDeleted       AuditEvent = "user_deleted"
	EventIdentityResolved  AuditEvent = "identity_resolved"
	EventAuthFailed        AuditEvent = "auth_failed"
	EventCardCreated       AuditEvent = "card_created"
	EventCardUpdated       AuditEvent = "card_updated"
	EventCardPromoted      AuditEvent = "card_promoted"
	EventCardRemoved       AuditEvent = "card_removed"
	EventConnectionCreated AuditEvent = "connection_created"
	EventConnectionRemoved AuditEvent = "connection_removed"
	EventQRIssued          AuditEvent = "qr_issued"
)

// Store persists or forwards audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Reader is implemented by stores that can be queried back.
type Reader interface {
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
}

// Fanout delivers every event to each store in order and returns the first error.
// A failing store does not prevent delivery to the others.
func Fanout(stores ...Store) Store {
	return fanout(stores)
}

type fanout []Store

func (f fanout) Append(ctx context.Context, event Event) error {
	var first error
	for _, s := range f {
		if err := s.Append(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
