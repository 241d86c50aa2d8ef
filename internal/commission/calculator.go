package commission

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Line is one priced order line the commission applies to.
type Line struct {
	ProductID      uuid.UUID
	VendorID       uuid.UUID
	CategoryID     uuid.UUID
	UnitPriceCents int64
	Quantity       int
}

// RateSnapshot is the frozen set of percentages used for one order.
type RateSnapshot struct {
	Default  decimal.Decimal
	Vendor   map[uuid.UUID]decimal.Decimal
	Category map[uuid.UUID]decimal.Decimal
}

// Resolve picks the effective percentage: vendor override, then category
// override, then the platform default.
func (s RateSnapshot) Resolve(vendorID, categoryID uuid.UUID) decimal.Decimal {
	if rate, ok := s.Vendor[vendorID]; ok {
		return rate
	}
	if rate, ok := s.Category[categoryID]; ok {
		return rate
	}
	return s.Default
}

// LineCommission is the audited commission for a single line.
type LineCommission struct {
	ProductID       uuid.UUID
	RatePercent     decimal.Decimal
	GrossCents      int64
	CommissionCents int64
}

// Breakdown is the result of Compute.
type Breakdown struct {
	TotalCents int64
	PerVendor  map[uuid.UUID]int64
	Lines      []LineCommission
}

// Compute rounds every line to whole cents before summing. Report code
// relies on the per-line figures adding up to the displayed total, so the
// rounding order must not change.
func Compute(lines []Line, rates RateSnapshot) Breakdown {
	out := Breakdown{
		PerVendor: make(map[uuid.UUID]int64),
		Lines:     make([]LineCommission, 0, len(lines)),
	}

	total := decimal.Zero
	for _, line := range lines {
		rate := rates.Resolve(line.VendorID, line.CategoryID)
		gross := decimal.NewFromInt(line.UnitPriceCents).Mul(decimal.NewFromInt(int64(line.Quantity)))
		cents := gross.Mul(rate).Div(hundred).Round(0)

		out.Lines = append(out.Lines, LineCommission{
			ProductID:       line.ProductID,
			RatePercent:     rate,
			GrossCents:      gross.IntPart(),
			CommissionCents: cents.IntPart(),
		})
		out.PerVendor[line.VendorID] += cents.IntPart()
		total = total.Add(cents)
	}

	out.TotalCents = total.Round(0).IntPart()
	return out
}
