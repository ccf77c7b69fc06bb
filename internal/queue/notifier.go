package queue

import (
	"context"

	"guichet/internal/models"
)

// Notifier is invoked after a ticket is created or changes status. It
// is fire-and-forget: implementations must not block on delivery, and
// a delivery failure never rolls back the committed state change.
type Notifier interface {
	Notify(ctx context.Context, ticket models.Ticket, eventType string)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, models.Ticket, string) {}
