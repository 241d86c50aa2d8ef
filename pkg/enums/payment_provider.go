package enums

import (
	"fmt"
	"strings"
)

// PaymentProvider identifies the external provider an order is paid through.
type PaymentProvider string

const (
	PaymentProviderMPesa  PaymentProvider = "mpesa"
	PaymentProviderStripe PaymentProvider = "stripe"
	PaymentProviderSquare PaymentProvider = "square"
	PaymentProviderPayPal PaymentProvider = "paypal"
)

var validPaymentProviders = []PaymentProvider{
	PaymentProviderMPesa,
	PaymentProviderStripe,
	PaymentProviderSquare,
	PaymentProviderPayPal,
}

// String implements fmt.Stringer.
func (p PaymentProvider) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentProvider.
func (p PaymentProvider) IsValid() bool {
	for _, candidate := range validPaymentProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentProvider converts raw input into a PaymentProvider. Matching is case-insensitive.
func ParsePaymentProvider(value string) (PaymentProvider, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validPaymentProviders {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment provider %q", value)
}
