// Package stripepay adapts Stripe PaymentIntents to the payments.Provider surface.
package stripepay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stripe/stripe-go/v83"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	pkgstripe "github.com/angelmondragon/marketplace-backend/pkg/stripe"
)

const (
	signatureHeader = "Stripe-Signature"

	eventSucceeded     = "payment_intent.succeeded"
	eventPaymentFailed = "payment_intent.payment_failed"
	eventCanceled      = "payment_intent.canceled"
	eventProcessing    = "payment_intent.processing"
)

type intentAPI interface {
	CreatePaymentIntent(ctx context.Context, params pkgstripe.IntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// Provider charges tokenized cards through PaymentIntents.
type Provider struct {
	api intentAPI
}

func NewProvider(api intentAPI) (*Provider, error) {
	if api == nil {
		return nil, errors.New("stripe client required")
	}
	return &Provider{api: api}, nil
}

func (p *Provider) Name() enums.PaymentProvider {
	return enums.PaymentProviderStripe
}

func (p *Provider) Initiate(ctx context.Context, req payments.InitiationRequest) (payments.InitiationResult, error) {
	if req.PaymentToken == "" {
		return payments.InitiationResult{}, pkgerrors.New(pkgerrors.CodeValidation, "payment_token is required for stripe")
	}
	intent, err := p.api.CreatePaymentIntent(ctx, pkgstripe.IntentParams{
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentToken,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       map[string]string{"order_id": req.OrderID.String()},
	})
	if err != nil {
		return payments.InitiationResult{}, classify(err)
	}

	status := intentStatus(intent.Status)
	if status == enums.PaymentStatusFailed {
		return payments.InitiationResult{}, payments.Declined(lastErrorMessage(intent), nil)
	}
	return payments.InitiationResult{
		Ref:         intent.ID,
		Status:      status,
		AmountCents: intent.Amount,
	}, nil
}

func (p *Provider) Verify(ctx context.Context, ref string) (payments.ProviderStatus, error) {
	intent, err := p.api.GetPaymentIntent(ctx, ref)
	if err != nil {
		return payments.ProviderStatus{}, classify(err)
	}
	return payments.ProviderStatus{
		Ref:         intent.ID,
		Status:      intentStatus(intent.Status),
		ResultCode:  string(intent.Status),
		AmountCents: receivedAmount(intent),
		Reason:      lastErrorMessage(intent),
	}, nil
}

func (p *Provider) AuthenticateWebhook(_ context.Context, header http.Header, _ url.Values, body []byte) error {
	sig := header.Get(signatureHeader)
	if sig == "" {
		return errors.New("missing Stripe-Signature header")
	}
	if _, err := p.api.ConstructEvent(body, sig); err != nil {
		return fmt.Errorf("verify stripe signature: %w", err)
	}
	return nil
}

// ParseCallback maps payment_intent.* events. Other event types parse to a
// non-conclusive callback that is acknowledged without a transition.
func (p *Provider) ParseCallback(payload []byte) (payments.Callback, error) {
	return ParseEvent(payload)
}

// ParseEvent decodes a Stripe event body without verifying its signature.
func ParseEvent(payload []byte) (payments.Callback, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return payments.Callback{}, fmt.Errorf("decode stripe event: %w", err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return payments.Callback{}, errors.New("stripe event missing data")
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return payments.Callback{}, fmt.Errorf("decode payment intent: %w", err)
	}
	if intent.ID == "" {
		return payments.Callback{}, errors.New("stripe event is not a payment intent")
	}

	cb := payments.Callback{
		Ref:        intent.ID,
		ResultCode: string(event.Type),
		Status:     enums.PaymentStatusProcessing,
		Reason:     lastErrorMessage(&intent),
		Metadata:   map[string]string{"event_id": event.ID},
	}
	switch string(event.Type) {
	case eventSucceeded:
		cb.Status = enums.PaymentStatusCompleted
		cb.AmountCents = receivedAmount(&intent)
	case eventPaymentFailed, eventCanceled:
		cb.Status = enums.PaymentStatusFailed
		cb.AmountCents = intent.Amount
	case eventProcessing:
	default:
		cb.Status = ""
	}
	return cb, nil
}

func intentStatus(status stripe.PaymentIntentStatus) enums.PaymentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return enums.PaymentStatusCompleted
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusProcessing
	}
}

func receivedAmount(intent *stripe.PaymentIntent) int64 {
	if intent.AmountReceived > 0 {
		return intent.AmountReceived
	}
	return intent.Amount
}

func lastErrorMessage(intent *stripe.PaymentIntent) string {
	if intent == nil || intent.LastPaymentError == nil {
		return ""
	}
	if intent.LastPaymentError.Msg != "" {
		return intent.LastPaymentError.Msg
	}
	return string(intent.LastPaymentError.Code)
}

func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return payments.Transient(err)
	}
	if stripeErr.Type == stripe.ErrorTypeCard {
		return payments.Declined(stripeErr.Msg, err)
	}
	if classified := payments.ClassifyHTTPStatus(stripeErr.HTTPStatusCode, stripeErr.Msg); classified != nil {
		return classified
	}
	return payments.Transient(err)
}
