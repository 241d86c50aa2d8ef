// Package notifications requests buyer and vendor notifications through the
// outbox. Delivery belongs to the downstream notification service.
package notifications

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox/payloads"
)

type emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Notifier queues notification_requested events on the caller's transaction.
type Notifier struct {
	outbox emitter
}

// NewNotifier builds a Notifier.
func NewNotifier(out emitter) (*Notifier, error) {
	if out == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	return &Notifier{outbox: out}, nil
}

// Notify records the request; it is published only if tx commits.
func (n *Notifier) Notify(ctx context.Context, tx *gorm.DB, event payloads.NotificationRequestedEvent) error {
	if !event.Kind.IsValid() {
		return fmt.Errorf("invalid notification kind %q", event.Kind)
	}
	return n.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventNotificationRequested,
		AggregateType: enums.AggregateOrder,
		AggregateID:   event.OrderID,
		Data:          event,
	})
}

// NotifyOrder is Notify with the payload built from the order's current state.
func (n *Notifier) NotifyOrder(ctx context.Context, tx *gorm.DB, kind enums.NotificationKind, order *models.Order, reason string) error {
	return n.Notify(ctx, tx, FromOrder(kind, order, reason))
}

// FromOrder builds the notification payload for an order.
func FromOrder(kind enums.NotificationKind, order *models.Order, reason string) payloads.NotificationRequestedEvent {
	return payloads.NotificationRequestedEvent{
		Kind:          kind,
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		VendorID:      order.VendorID,
		PaymentStatus: order.PaymentStatus,
		OrderStatus:   order.OrderStatus,
		TotalCents:    order.TotalCents,
		Currency:      order.Currency,
		Reason:        reason,
	}
}
