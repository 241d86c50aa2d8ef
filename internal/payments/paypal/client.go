// Package paypal implements the PayPal Orders v2 redirect provider.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/config"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

const (
	tokenPath  = "/v1/oauth2/token"
	ordersPath = "/v2/checkout/orders"
	verifyPath = "/v1/notifications/verify-webhook-signature"

	orderCompleted       = "COMPLETED"
	orderVoided          = "VOIDED"
	issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"
)

var errCredentialsRequired = errors.New("paypal client id and secret are required")

// Client talks to the PayPal REST API.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	webhookID    string
	returnURL    string
	cancelURL    string
	http         *http.Client
	logg         *logger.Logger
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(cfg config.PayPalConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errCredentialsRequired
	}
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		webhookID:    cfg.WebhookID,
		returnURL:    cfg.ReturnURL,
		cancelURL:    cfg.CancelURL,
		http:         &http.Client{Timeout: 15 * time.Second},
		logg:         logg,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() enums.PaymentProvider {
	return enums.PaymentProviderPayPal
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string        `json:"reference_id,omitempty"`
	CustomID    string        `json:"custom_id,omitempty"`
	Description string        `json:"description,omitempty"`
	Amount      *money        `json:"amount,omitempty"`
	Payments    *unitPayments `json:"payments,omitempty"`
}

type unitPayments struct {
	Captures []capture `json:"captures"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount *money `json:"amount"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type applicationContext struct {
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e apiError) issue() string {
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	return e.Name
}

// Initiate creates a CAPTURE order and returns the buyer approval link.
func (c *Client) Initiate(ctx context.Context, req payments.InitiationRequest) (payments.InitiationResult, error) {
	returnURL := firstNonEmpty(req.ReturnURL, c.returnURL)
	cancelURL := firstNonEmpty(req.CancelURL, c.cancelURL)
	body := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.OrderID.String(),
			CustomID:    req.OrderID.String(),
			Description: req.Description,
			Amount:      &money{CurrencyCode: strings.ToUpper(req.Currency), Value: FormatCents(req.AmountCents)},
		}},
		ApplicationContext: applicationContext{ReturnURL: returnURL, CancelURL: cancelURL, UserAction: "PAY_NOW"},
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, ordersPath, req.IdempotencyKey, body, &resp); err != nil {
		return payments.InitiationResult{}, err
	}
	approve := ""
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if resp.ID == "" || approve == "" {
		return payments.InitiationResult{}, payments.Transient(errors.New("paypal order response missing id or approval link"))
	}
	return payments.InitiationResult{
		Ref:         resp.ID,
		Status:      enums.PaymentStatusProcessing,
		AmountCents: req.AmountCents,
		RedirectURL: approve,
	}, nil
}

// Capture settles an approved order. Capturing twice returns the current
// order state instead of an error.
func (c *Client) Capture(ctx context.Context, ref string) (payments.ProviderStatus, error) {
	var resp orderResponse
	path := fmt.Sprintf("%s/%s/capture", ordersPath, url.PathEscape(ref))
	err := c.do(ctx, http.MethodPost, path, "capture-"+ref, struct{}{}, &resp)
	if err != nil {
		var already alreadyCapturedError
		if errors.As(err, &already) {
			return c.Verify(ctx, ref)
		}
		return payments.ProviderStatus{}, err
	}
	return orderStatus(resp), nil
}

func (c *Client) Verify(ctx context.Context, ref string) (payments.ProviderStatus, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, ordersPath+"/"+url.PathEscape(ref), "", nil, &resp); err != nil {
		return payments.ProviderStatus{}, err
	}
	return orderStatus(resp), nil
}

func orderStatus(resp orderResponse) payments.ProviderStatus {
	st := payments.ProviderStatus{Ref: resp.ID, ResultCode: resp.Status}
	switch resp.Status {
	case orderCompleted:
		st.Status = enums.PaymentStatusCompleted
	case orderVoided:
		st.Status = enums.PaymentStatusFailed
		st.Reason = "order voided"
	default:
		st.Status = enums.PaymentStatusProcessing
	}
	for _, unit := range resp.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, cp := range unit.Payments.Captures {
			if cp.Amount != nil {
				if cents, err := ParseCents(cp.Amount.Value); err == nil {
					st.AmountCents += cents
				}
			}
			if cp.Status == "DECLINED" || cp.Status == "FAILED" {
				st.Status = enums.PaymentStatusFailed
				st.Reason = "capture " + strings.ToLower(cp.Status)
			}
		}
	}
	return st
}

type alreadyCapturedError struct{ msg string }

func (e alreadyCapturedError) Error() string { return e.msg }

func (c *Client) do(ctx context.Context, method, path, requestID string, body any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode paypal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build paypal request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return payments.Transient(fmt.Errorf("paypal %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payments.Transient(fmt.Errorf("read paypal response: %w", err))
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.issue() == issueAlreadyCaptured {
			return alreadyCapturedError{msg: apiErr.Message}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.resetToken()
		}
		c.logError(ctx, path, resp.StatusCode, apiErr)
		if resp.StatusCode == http.StatusNotFound {
			return pkgerrors.New(pkgerrors.CodeNotFound, "paypal order not found")
		}
		if classified := payments.ClassifyHTTPStatus(resp.StatusCode, apiErr.issue()); classified != nil {
			return classified
		}
		return payments.Transient(fmt.Errorf("paypal unexpected status %d", resp.StatusCode))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return payments.Transient(fmt.Errorf("decode paypal response: %w", err))
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build paypal token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", payments.Transient(fmt.Errorf("paypal token: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", payments.ClassifyHTTPStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", payments.Transient(fmt.Errorf("decode paypal token: %w", err))
	}
	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= time.Minute {
		ttl = 10 * time.Minute
	}
	c.token = body.AccessToken
	c.tokenExpiry = c.now().Add(ttl - time.Minute)
	return c.token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) logError(ctx context.Context, path string, status int, apiErr apiError) {
	if c.logg == nil {
		return
	}
	ctx = c.logg.WithFields(ctx, map[string]any{
		"provider":    enums.PaymentProviderPayPal,
		"path":        path,
		"http_status": status,
		"issue":       apiErr.issue(),
		"debug_id":    apiErr.DebugID,
	})
	c.logg.Warn(ctx, "paypal request rejected")
}

// FormatCents renders minor units as a two-decimal PayPal amount string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ParseCents converts a PayPal amount string to minor units.
func ParseCents(value string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid paypal amount %q: %w", value, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
