// Package mpesa implements the Safaricom Daraja STK push provider.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/config"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

const (
	oauthPath     = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath   = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath  = "/mpesa/stkpushquery/v1/query"
	timestampFmt  = "20060102150405"
	tokenLeeway   = time.Minute
	resultSuccess = "0"
	// Daraja answers a query for an unfinished push with this error code.
	errStillProcessing = "500.001.1001"
)

var (
	errConsumerKeyRequired = errors.New("mpesa consumer key and secret are required")
	errShortCodeRequired   = errors.New("mpesa shortcode and passkey are required")
	errCallbackToken       = errors.New("mpesa callback token mismatch")
)

// Client talks to Daraja over HTTPS.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortCode      string
	passKey        string
	callbackURL    string
	callbackToken  string
	http           *http.Client
	logg           *logger.Logger
	now            func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides time.Now for password timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient validates credentials and builds the STK push client. callbackURL
// is the public webhook endpoint; the callback token is appended as a query
// parameter because Daraja does not sign callbacks.
func NewClient(cfg config.MPesaConfig, callbackURL string, logg *logger.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return nil, errConsumerKeyRequired
	}
	if strings.TrimSpace(cfg.ShortCode) == "" || strings.TrimSpace(cfg.PassKey) == "" {
		return nil, errShortCodeRequired
	}
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortCode:      cfg.ShortCode,
		passKey:        cfg.PassKey,
		callbackURL:    callbackURL,
		callbackToken:  cfg.CallbackToken,
		http:           &http.Client{Timeout: 15 * time.Second},
		logg:           logg,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() enums.PaymentProvider {
	return enums.PaymentProviderMPesa
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Initiate sends an STK push. M-Pesa only collects whole shillings so the
// amount is rounded up and the rounded amount is reported back.
func (c *Client) Initiate(ctx context.Context, req payments.InitiationRequest) (payments.InitiationResult, error) {
	phone, err := NormalizeMSISDN(req.Phone)
	if err != nil {
		return payments.InitiationResult{}, payments.Declined(err.Error(), nil)
	}
	shillings := WholeUnits(req.AmountCents)
	timestamp := c.now().Format(timestampFmt)

	body := stkPushRequest{
		BusinessShortCode: c.shortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            shillings,
		PartyA:            phone,
		PartyB:            c.shortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackWithToken(),
		AccountReference:  accountReference(req),
		TransactionDesc:   "Order payment",
	}

	var resp stkPushResponse
	if err := c.post(ctx, stkPushPath, body, &resp); err != nil {
		return payments.InitiationResult{}, err
	}
	if resp.ResponseCode != resultSuccess {
		return payments.InitiationResult{}, payments.Declined(resp.ResponseDescription, nil)
	}
	if resp.CheckoutRequestID == "" {
		return payments.InitiationResult{}, payments.Transient(errors.New("mpesa returned empty CheckoutRequestID"))
	}
	return payments.InitiationResult{
		Ref:         resp.CheckoutRequestID,
		Status:      enums.PaymentStatusProcessing,
		AmountCents: c.CollectionAmount(req.AmountCents),
	}, nil
}

// CollectionAmount is the order total rounded up to whole shillings.
func (c *Client) CollectionAmount(totalCents int64) int64 {
	return WholeUnits(totalCents) * 100
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
}

// Verify queries the push status. Unfinished pushes report processing.
func (c *Client) Verify(ctx context.Context, ref string) (payments.ProviderStatus, error) {
	timestamp := c.now().Format(timestampFmt)
	body := stkQueryRequest{
		BusinessShortCode: c.shortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: ref,
	}
	var resp stkQueryResponse
	err := c.post(ctx, stkQueryPath, body, &resp)
	if err != nil {
		var still stillProcessingError
		if errors.As(err, &still) {
			return payments.ProviderStatus{Ref: ref, Status: enums.PaymentStatusProcessing}, nil
		}
		return payments.ProviderStatus{}, err
	}
	status := payments.ProviderStatus{Ref: ref, ResultCode: resp.ResultCode, Reason: resp.ResultDesc}
	if resp.ResultCode == resultSuccess {
		status.Status = enums.PaymentStatusCompleted
	} else {
		status.Status = enums.PaymentStatusFailed
	}
	return status, nil
}

// AuthenticateWebhook checks the shared callback token.
func (c *Client) AuthenticateWebhook(_ context.Context, _ http.Header, query url.Values, _ []byte) error {
	if c.callbackToken == "" {
		return nil
	}
	values := query["token"]
	if len(values) == 0 || !constantTimeEqual(values[0], c.callbackToken) {
		return errCallbackToken
	}
	return nil
}

type stillProcessingError struct{ msg string }

func (e stillProcessingError) Error() string { return e.msg }

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode mpesa request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mpesa request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return payments.Transient(fmt.Errorf("mpesa %s: %w", path, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payments.Transient(fmt.Errorf("read mpesa response: %w", err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.resetToken()
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.ErrorCode == errStillProcessing {
			return stillProcessingError{msg: apiErr.ErrorMessage}
		}
		c.logError(ctx, path, resp.StatusCode, apiErr)
		msg := apiErr.ErrorMessage
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return payments.Transient(fmt.Errorf("mpesa token rejected: %s", msg))
		}
		if classified := payments.ClassifyHTTPStatus(resp.StatusCode, msg); classified != nil {
			return classified
		}
		return payments.Transient(fmt.Errorf("mpesa unexpected status %d", resp.StatusCode))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return payments.Transient(fmt.Errorf("decode mpesa response: %w", err))
	}
	return nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+oauthPath, nil)
	if err != nil {
		return "", fmt.Errorf("build mpesa oauth request: %w", err)
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", payments.Transient(fmt.Errorf("mpesa oauth: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", payments.ClassifyHTTPStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var body oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", payments.Transient(fmt.Errorf("decode mpesa oauth: %w", err))
	}
	ttl := time.Hour
	if secs, err := time.ParseDuration(body.ExpiresIn + "s"); err == nil && secs > tokenLeeway {
		ttl = secs
	}
	c.token = body.AccessToken
	c.tokenExpiry = c.now().Add(ttl - tokenLeeway)
	return c.token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.shortCode + c.passKey + timestamp))
}

func (c *Client) callbackWithToken() string {
	if c.callbackToken == "" {
		return c.callbackURL
	}
	sep := "?"
	if strings.Contains(c.callbackURL, "?") {
		sep = "&"
	}
	return c.callbackURL + sep + "token=" + c.callbackToken
}

func (c *Client) logError(ctx context.Context, path string, status int, apiErr apiError) {
	if c.logg == nil {
		return
	}
	ctx = c.logg.WithFields(ctx, map[string]any{
		"provider":    enums.PaymentProviderMPesa,
		"path":        path,
		"http_status": status,
		"error_code":  apiErr.ErrorCode,
		"request_id":  apiErr.RequestID,
	})
	c.logg.Warn(ctx, "mpesa request rejected")
}

func accountReference(req payments.InitiationRequest) string {
	ref := strings.ReplaceAll(req.OrderID.String(), "-", "")
	// Daraja caps AccountReference at 12 characters.
	if len(ref) > 12 {
		ref = ref[:12]
	}
	return strings.ToUpper(ref)
}
