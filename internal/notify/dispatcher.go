package notify

import (
	"github.com/rs/zerolog/log"

	"github.com/mattdavey/papertrade/internal/sessions"
	"github.com/mattdavey/papertrade/internal/types"
)

// Sender pushes an event onto one connection's outbound channel. The stream
// gateway implements it.
type Sender interface {
	Send(connID string, event types.SettlementEvent) error
}

// Dispatcher delivers settlement events to the owning session, if one is
// active. Delivery is at-most-once and best-effort: a user who is offline at
// fill time never receives the notification afterwards.
type Dispatcher struct {
	registry *sessions.Registry
	sender   Sender
}

func NewDispatcher(registry *sessions.Registry, sender Sender) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sender:   sender,
	}
}

// Notify looks up the owner's connection and pushes the event to it.
// Absence of a destination and delivery failures are not errors.
func (d *Dispatcher) Notify(event types.SettlementEvent) {
	logger := log.With().
		Str("component", "notification_dispatcher").
		Str("user_id", event.UserID).
		Str("order_id", event.OrderID).
		Logger()

	connID, ok := d.registry.Lookup(event.UserID)
	if !ok {
		logger.Debug().Msg("user has no active session, dropping notification")
		return
	}

	if err := d.sender.Send(connID, event); err != nil {
		logger.Debug().Err(err).Msg("failed to deliver notification, dropping")
	}
}
