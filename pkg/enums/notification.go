package enums

import "fmt"

// NotificationKind names the buyer/vendor notification requested by the core.
type NotificationKind string

const (
	NotificationPaymentConfirmed NotificationKind = "payment_confirmed"
	NotificationPaymentFailed    NotificationKind = "payment_failed"
	NotificationOrderCancelled   NotificationKind = "order_cancelled"
	NotificationOrderShipped     NotificationKind = "order_shipped"
	NotificationOrderDelivered   NotificationKind = "order_delivered"
	NotificationPaymentRefunded  NotificationKind = "payment_refunded"
)

var validNotificationKinds = []NotificationKind{
	NotificationPaymentConfirmed,
	NotificationPaymentFailed,
	NotificationOrderCancelled,
	NotificationOrderShipped,
	NotificationOrderDelivered,
	NotificationPaymentRefunded,
}

// IsValid checks whether the given kind matches the canonical set.
func (n NotificationKind) IsValid() bool {
	for _, candidate := range validNotificationKinds {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationKind converts raw strings into NotificationKind.
func ParseNotificationKind(value string) (NotificationKind, error) {
	for _, candidate := range validNotificationKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification kind %q", value)
}
