package mpesa

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// NormalizeMSISDN converts local Kenyan formats (07xx, 01xx, +2547xx) to the
// 2547XXXXXXXX form Daraja expects.
func NormalizeMSISDN(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "254"):
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case len(digits) == 9 && (digits[0] == '7' || digits[0] == '1'):
		digits = "254" + digits
	default:
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	if digits[3] != '7' && digits[3] != '1' {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	return digits, nil
}

// WholeUnits rounds a cent amount up to whole shillings.
func WholeUnits(cents int64) int64 {
	if cents <= 0 {
		return 0
	}
	return (cents + 99) / 100
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
