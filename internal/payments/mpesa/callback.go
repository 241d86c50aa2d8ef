package mpesa

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        json.Number      `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  *callbackMetaSet `json:"CallbackMetadata"`
}

type callbackMetaSet struct {
	Item []callbackItem `json:"Item"`
}

type callbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseCallback decodes the Daraja STK callback body. ResultCode 0 is a
// success; any other code is a definitive failure for that push.
func (c *Client) ParseCallback(payload []byte) (payments.Callback, error) {
	return ParseCallback(payload)
}

// ParseCallback is the stateless form used by tests and replay tooling.
func ParseCallback(payload []byte) (payments.Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return payments.Callback{}, fmt.Errorf("decode stk callback: %w", err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" || cb.ResultCode.String() == "" {
		return payments.Callback{}, fmt.Errorf("stk callback missing CheckoutRequestID or ResultCode")
	}

	out := payments.Callback{
		Ref:        cb.CheckoutRequestID,
		ResultCode: cb.ResultCode.String(),
		Reason:     cb.ResultDesc,
		Metadata:   map[string]string{"merchant_request_id": cb.MerchantRequestID},
	}
	if out.ResultCode != resultSuccess {
		out.Status = enums.PaymentStatusFailed
		return out, nil
	}

	out.Status = enums.PaymentStatusCompleted
	if cb.CallbackMetadata == nil {
		return payments.Callback{}, fmt.Errorf("successful stk callback missing metadata")
	}
	amountSeen := false
	for _, item := range cb.CallbackMetadata.Item {
		raw := string(item.Value)
		if unquoted, err := strconv.Unquote(raw); err == nil {
			raw = unquoted
		}
		switch item.Name {
		case "Amount":
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return payments.Callback{}, fmt.Errorf("invalid callback amount %q: %w", raw, err)
			}
			out.AmountCents = amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
			amountSeen = true
		case "MpesaReceiptNumber":
			out.Metadata["receipt_number"] = raw
		case "TransactionDate":
			out.Metadata["transaction_date"] = raw
		case "PhoneNumber":
			out.Metadata["phone_number"] = raw
		}
	}
	if !amountSeen {
		return payments.Callback{}, fmt.Errorf("successful stk callback missing Amount")
	}
	return out, nil
}
