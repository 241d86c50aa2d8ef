// Package payments normalizes the external payment providers behind one
// initiation, verification, and callback surface.
package payments

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// InitiationRequest carries everything any provider needs to start collecting
// money for an order. Providers ignore the fields that do not apply to them.
type InitiationRequest struct {
	OrderID        uuid.UUID
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Description    string

	// Phone is the MSISDN charged by push providers.
	Phone string
	// PaymentToken is a tokenized card (Stripe payment method, Square source id).
	PaymentToken string
	// ReturnURL and CancelURL are used by redirect providers.
	ReturnURL string
	CancelURL string
}

// InitiationResult is the normalized provider acknowledgement.
type InitiationResult struct {
	Ref string
	// Status is processing while the provider confirms asynchronously, or
	// completed when the charge settled synchronously.
	Status enums.PaymentStatus
	// AmountCents is what the provider was asked to collect. It can exceed
	// the request when the provider only accepts whole units.
	AmountCents int64
	RedirectURL string
}

// ProviderStatus is the provider's current view of a transaction.
type ProviderStatus struct {
	Ref         string
	Status      enums.PaymentStatus
	ResultCode  string
	AmountCents int64
	Reason      string
}

// Provider is implemented once per payment family.
type Provider interface {
	Name() enums.PaymentProvider
	Initiate(ctx context.Context, req InitiationRequest) (InitiationResult, error)
	Verify(ctx context.Context, ref string) (ProviderStatus, error)
}

// Capturer is implemented by redirect providers that need a server-side
// capture after the buyer approves.
type Capturer interface {
	Capture(ctx context.Context, ref string) (ProviderStatus, error)
}

// AmountQuoter is implemented by providers that cannot collect an arbitrary
// cent amount and round the order total to what they can charge.
type AmountQuoter interface {
	CollectionAmount(totalCents int64) int64
}

// ExpectedAmount is what provider should collect for an order total. Every
// reported amount is checked against it.
func ExpectedAmount(provider Provider, totalCents int64) int64 {
	if q, ok := provider.(AmountQuoter); ok {
		return q.CollectionAmount(totalCents)
	}
	return totalCents
}

// Callback is a parsed provider webhook.
type Callback struct {
	Ref        string
	ResultCode string
	// Status is completed or failed for conclusive callbacks. Anything else is
	// informational and acknowledged without a transition.
	Status      enums.PaymentStatus
	AmountCents int64
	Reason      string
	Metadata    map[string]string
}

// Conclusive reports whether the callback should drive a terminal transition.
func (c Callback) Conclusive() bool {
	return c.Status == enums.PaymentStatusCompleted || c.Status == enums.PaymentStatusFailed
}

// CallbackParser turns a raw webhook body into a Callback.
type CallbackParser interface {
	ParseCallback(payload []byte) (Callback, error)
}

// WebhookAuthenticator proves a webhook request originated at the provider.
type WebhookAuthenticator interface {
	AuthenticateWebhook(ctx context.Context, header http.Header, query url.Values, body []byte) error
}
