package enums

// ReviewReason explains why a reconciliation outcome needs manual review.
type ReviewReason string

const (
	ReviewReasonAmountMismatch  ReviewReason = "amount_mismatch"
	ReviewReasonPaidAfterCancel ReviewReason = "paid_after_cancel"
)

// IsValid reports whether the value is a known ReviewReason.
func (r ReviewReason) IsValid() bool {
	switch r {
	case ReviewReasonAmountMismatch, ReviewReasonPaidAfterCancel:
		return true
	default:
		return false
	}
}
