// Package squarepay adapts Square card payments to the payments.Provider surface.
package squarepay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	pkgsquare "github.com/angelmondragon/marketplace-backend/pkg/square"
)

const (
	statusApproved  = "APPROVED"
	statusPending   = "PENDING"
	statusCompleted = "COMPLETED"
	statusCanceled  = "CANCELED"
	statusFailed    = "FAILED"

	eventPaymentUpdated = "payment.updated"
	eventPaymentCreated = "payment.created"
)

type paymentsAPI interface {
	CreatePayment(ctx context.Context, params pkgsquare.PaymentCreateParams) (*sq.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*sq.Payment, error)
	VerifySignature(payload []byte, header string) bool
}

// Provider charges a Square card nonce; autocomplete settles it synchronously.
type Provider struct {
	api paymentsAPI
}

func NewProvider(api paymentsAPI) (*Provider, error) {
	if api == nil {
		return nil, errors.New("square client required")
	}
	return &Provider{api: api}, nil
}

func (p *Provider) Name() enums.PaymentProvider {
	return enums.PaymentProviderSquare
}

func (p *Provider) Initiate(ctx context.Context, req payments.InitiationRequest) (payments.InitiationResult, error) {
	if strings.TrimSpace(req.PaymentToken) == "" {
		return payments.InitiationResult{}, pkgerrors.New(pkgerrors.CodeValidation, "payment_token is required for square")
	}
	payment, err := p.api.CreatePayment(ctx, pkgsquare.PaymentCreateParams{
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		SourceID:       req.PaymentToken,
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.OrderID.String(),
		Note:           req.Description,
	})
	if err != nil {
		return payments.InitiationResult{}, classify(err)
	}
	status := paymentStatus(stringValue(payment.GetStatus()))
	if status == enums.PaymentStatusFailed {
		return payments.InitiationResult{}, payments.Declined(stringValue(payment.GetStatus()), nil)
	}
	return payments.InitiationResult{
		Ref:         stringValue(payment.GetID()),
		Status:      status,
		AmountCents: moneyAmount(payment.GetAmountMoney()),
	}, nil
}

func (p *Provider) Verify(ctx context.Context, ref string) (payments.ProviderStatus, error) {
	payment, err := p.api.GetPayment(ctx, ref)
	if err != nil {
		return payments.ProviderStatus{}, classify(err)
	}
	raw := stringValue(payment.GetStatus())
	return payments.ProviderStatus{
		Ref:         ref,
		Status:      paymentStatus(raw),
		ResultCode:  raw,
		AmountCents: moneyAmount(payment.GetAmountMoney()),
	}, nil
}

func (p *Provider) AuthenticateWebhook(_ context.Context, header http.Header, _ url.Values, body []byte) error {
	sig := header.Get(pkgsquare.SignatureHeader)
	if sig == "" {
		return errors.New("square signature missing")
	}
	if !p.api.VerifySignature(body, sig) {
		return errors.New("invalid square signature")
	}
	return nil
}

type webhookEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *webhookPayment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type webhookPayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	AmountMoney *struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
}

// ParseCallback understands payment.created and payment.updated. Other event
// types are acknowledged as informational.
func (p *Provider) ParseCallback(payload []byte) (payments.Callback, error) {
	return ParseEvent(payload)
}

func ParseEvent(payload []byte) (payments.Callback, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return payments.Callback{}, fmt.Errorf("decode square event: %w", err)
	}
	payment := event.Data.Object.Payment
	if payment == nil || payment.ID == "" {
		return payments.Callback{}, errors.New("square event missing payment")
	}
	cb := payments.Callback{
		Ref:        payment.ID,
		ResultCode: payment.Status,
		Reason:     payment.Status,
		Metadata: map[string]string{
			"event_id":     event.EventID,
			"reference_id": payment.ReferenceID,
		},
	}
	if payment.AmountMoney != nil {
		cb.AmountCents = payment.AmountMoney.Amount
	}
	switch event.Type {
	case eventPaymentUpdated, eventPaymentCreated:
		cb.Status = paymentStatus(payment.Status)
	}
	return cb, nil
}

func paymentStatus(raw string) enums.PaymentStatus {
	switch strings.ToUpper(raw) {
	case statusCompleted:
		return enums.PaymentStatusCompleted
	case statusCanceled, statusFailed:
		return enums.PaymentStatusFailed
	case statusApproved, statusPending:
		return enums.PaymentStatusProcessing
	default:
		return enums.PaymentStatusProcessing
	}
}

// classify turns the wrapper's domain codes into retry decisions.
func classify(err error) error {
	switch {
	case pkgerrors.IsCode(err, pkgerrors.CodeDependency), pkgerrors.IsCode(err, pkgerrors.CodeRateLimit):
		return payments.Transient(err)
	case pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized), pkgerrors.IsCode(err, pkgerrors.CodeForbidden):
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "square rejected credentials")
	case pkgerrors.IsCode(err, pkgerrors.CodeIdempotency):
		// The key is bound to one attempt; reuse with new params is a programming error.
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "square idempotency key reused")
	default:
		return payments.Declined("card payment rejected", err)
	}
}

func moneyAmount(m *sq.Money) int64 {
	if m == nil || m.GetAmount() == nil {
		return 0
	}
	return *m.GetAmount()
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
