package payments

import (
	"errors"
	"fmt"

	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// ErrTransient marks provider failures worth retrying: timeouts, 5xx, throttling.
var ErrTransient = errors.New("transient provider failure")

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	return pkgerrors.IsCode(err, pkgerrors.CodeDependency)
}

// Declined builds the definitive rejection error for a provider answer.
func Declined(reason string, cause error) error {
	msg := "payment declined"
	if reason != "" {
		msg = fmt.Sprintf("payment declined: %s", reason)
	}
	if cause == nil {
		return pkgerrors.New(pkgerrors.CodePaymentDeclined, msg).WithDetails(map[string]any{"reason": reason})
	}
	return pkgerrors.Wrap(pkgerrors.CodePaymentDeclined, cause, msg).WithDetails(map[string]any{"reason": reason})
}

// IsDeclined reports whether err is a definitive provider rejection.
func IsDeclined(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodePaymentDeclined)
}

// ClassifyHTTPStatus maps a provider HTTP status to transient, declined, or
// configuration failure.
func ClassifyHTTPStatus(status int, body string) error {
	switch {
	case status >= 500 || status == 429 || status == 408:
		return Transient(fmt.Errorf("provider status %d: %s", status, body))
	case status == 401 || status == 403:
		return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("provider rejected credentials (%d)", status))
	case status >= 400:
		return Declined(body, fmt.Errorf("provider status %d", status))
	default:
		return nil
	}
}
