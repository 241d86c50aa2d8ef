package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

const (
	eventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	eventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	eventCaptureDeclined  = "PAYMENT.CAPTURE.DECLINED"
	eventOrderApproved    = "CHECKOUT.ORDER.APPROVED"
	eventOrderVoided      = "CHECKOUT.ORDER.VOIDED"
)

var transmissionHeaders = map[string]string{
	"auth_algo":         "PAYPAL-AUTH-ALGO",
	"cert_url":          "PAYPAL-CERT-URL",
	"transmission_id":   "PAYPAL-TRANSMISSION-ID",
	"transmission_sig":  "PAYPAL-TRANSMISSION-SIG",
	"transmission_time": "PAYPAL-TRANSMISSION-TIME",
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// AuthenticateWebhook asks PayPal to verify the transmission signature.
func (c *Client) AuthenticateWebhook(ctx context.Context, header http.Header, _ url.Values, body []byte) error {
	if c.webhookID == "" {
		return errors.New("paypal webhook id not configured")
	}
	req := map[string]any{
		"webhook_id":    c.webhookID,
		"webhook_event": json.RawMessage(body),
	}
	for field, name := range transmissionHeaders {
		value := header.Get(name)
		if value == "" {
			return fmt.Errorf("missing %s header", name)
		}
		req[field] = value
	}
	var resp verifyResponse
	if err := c.do(ctx, http.MethodPost, verifyPath, "", req, &resp); err != nil {
		return fmt.Errorf("verify paypal webhook: %w", err)
	}
	if resp.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("paypal webhook verification %s", resp.VerificationStatus)
	}
	return nil
}

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type captureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Amount            *money `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type orderResource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseCallback keys every event on the PayPal order id, which is the
// reference stored on the payment attempt.
func (c *Client) ParseCallback(payload []byte) (payments.Callback, error) {
	return ParseEvent(payload)
}

func ParseEvent(payload []byte) (payments.Callback, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return payments.Callback{}, fmt.Errorf("decode paypal event: %w", err)
	}
	if event.EventType == "" || len(event.Resource) == 0 {
		return payments.Callback{}, errors.New("paypal event missing type or resource")
	}
	cb := payments.Callback{
		ResultCode: event.EventType,
		Metadata:   map[string]string{"event_id": event.ID},
	}

	switch event.EventType {
	case eventCaptureCompleted, eventCaptureDenied, eventCaptureDeclined:
		var res captureResource
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return payments.Callback{}, fmt.Errorf("decode paypal capture: %w", err)
		}
		cb.Ref = res.SupplementaryData.RelatedIDs.OrderID
		cb.Metadata["capture_id"] = res.ID
		cb.Reason = res.Status
		if res.Amount != nil {
			cents, err := ParseCents(res.Amount.Value)
			if err != nil {
				return payments.Callback{}, err
			}
			cb.AmountCents = cents
		}
		if event.EventType == eventCaptureCompleted {
			cb.Status = enums.PaymentStatusCompleted
		} else {
			cb.Status = enums.PaymentStatusFailed
		}
	default:
		var res orderResource
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return payments.Callback{}, fmt.Errorf("decode paypal order: %w", err)
		}
		cb.Ref = res.ID
		cb.Reason = res.Status
		if event.EventType == eventOrderVoided {
			cb.Status = enums.PaymentStatusFailed
		} else if event.EventType == eventOrderApproved {
			cb.Status = enums.PaymentStatusProcessing
		}
	}
	if cb.Ref == "" {
		return payments.Callback{}, errors.New("paypal event missing order reference")
	}
	return cb, nil
}
