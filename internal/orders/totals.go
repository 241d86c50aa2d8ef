package orders

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/marketplace-backend/pkg/config"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

var hundred = decimal.NewFromInt(100)

// Totals is the money breakdown of an order in minor units.
type Totals struct {
	SubtotalCents int64
	ShippingCents int64
	TaxCents      int64
	DiscountCents int64
	TotalCents    int64
}

// ComputeTotals applies flat shipping (waived at the free-shipping threshold)
// and tax on the subtotal, rounded half-up to cents.
func ComputeTotals(subtotalCents int64, pricing config.PricingConfig) Totals {
	t := Totals{SubtotalCents: subtotalCents, ShippingCents: pricing.ShippingFlatCents}
	if pricing.FreeShippingThresholdCents > 0 && subtotalCents >= pricing.FreeShippingThresholdCents {
		t.ShippingCents = 0
	}
	t.TaxCents = decimal.NewFromInt(subtotalCents).Mul(pricing.TaxRatePercent()).Div(hundred).Round(0).IntPart()
	t.TotalCents = t.SubtotalCents + t.ShippingCents + t.TaxCents - t.DiscountCents
	return t
}

// CheckInvariants refuses orders whose figures do not add up exactly.
func CheckInvariants(order *models.Order) error {
	var lineSum, commissionSum int64
	for _, line := range order.LineItems {
		if line.UnitPriceCents*int64(line.Quantity) != line.LineTotalCents {
			return invariant(order, fmt.Sprintf("line %s total mismatch", line.ProductID))
		}
		lineSum += line.LineTotalCents
		commissionSum += line.CommissionCents
	}
	switch {
	case lineSum != order.SubtotalCents:
		return invariant(order, "subtotal does not equal the sum of lines")
	case order.SubtotalCents+order.ShippingCents+order.TaxCents-order.DiscountCents != order.TotalCents:
		return invariant(order, "total does not equal subtotal + shipping + tax - discount")
	case commissionSum != order.CommissionCents:
		return invariant(order, "commission does not equal the sum of line commissions")
	case order.CommissionCents+order.VendorCents != order.TotalCents:
		return invariant(order, "commission + vendor share does not equal total")
	case order.VendorCents < 0 || order.CommissionCents < 0:
		return invariant(order, "negative share")
	}
	return nil
}

func invariant(order *models.Order, msg string) error {
	return pkgerrors.New(pkgerrors.CodeInvariantViolation, msg).WithDetails(map[string]any{
		"subtotal_cents":   order.SubtotalCents,
		"shipping_cents":   order.ShippingCents,
		"tax_cents":        order.TaxCents,
		"discount_cents":   order.DiscountCents,
		"total_cents":      order.TotalCents,
		"commission_cents": order.CommissionCents,
		"vendor_cents":     order.VendorCents,
	})
}
