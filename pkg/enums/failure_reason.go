package enums

// PaymentFailureReason records why a payment attempt ended FAILED.
type PaymentFailureReason string

const (
	FailureReasonProviderDeclined PaymentFailureReason = "provider_declined"
	FailureReasonAmountMismatch   PaymentFailureReason = "amount_mismatch"
	FailureReasonTimeout          PaymentFailureReason = "timeout"
	FailureReasonOrderCancelled   PaymentFailureReason = "order_cancelled"
)
