package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"

	transactionType    = "CustomerPayBillOnline"
	maxReferenceLength = 12
	maxDescLength      = 100
)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration

	// AllowUncorrelated lets ParseNotification accept a callback without a
	// CheckoutRequestID so the reconciler can try its phone fallback.
	AllowUncorrelated bool
}

type Client struct {
	cfg    Config
	hc     *http.Client
	cache  TokenCache
	group  singleflight.Group
	logger observability.Logger
	now    func() time.Time
	loc    *time.Location
}

type Option func(*Client)

func WithTokenCache(c TokenCache) Option {
	return func(cl *Client) { cl.cache = c }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(cl *Client) { cl.hc = hc }
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

func NewClient(cfg Config, logger observability.Logger, opts ...Option) (*Client, error) {
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		return nil, errors.Wrap(err, "load gateway timezone")
	}
	c := &Client{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		cache:  NewMemoryTokenCache(),
		logger: logger,
		now:    time.Now,
		loc:    loc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ domain.PaymentGateway = (*Client)(nil)

// Authenticate returns a cached token when it is still valid and otherwise
// fetches a new one. Concurrent callers share a single fetch, which runs
// detached from any one caller so a cancelled caller only abandons its own
// wait.
func (c *Client) Authenticate(ctx context.Context) (Token, error) {
	if tok, ok, err := c.cache.Get(ctx); err != nil {
		c.logger.WithError(err).Warn("token cache read failed")
	} else if ok && tok.Valid(c.now()) {
		return tok, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("token", func() (interface{}, error) {
		ctx, cancel := c.fetchTimeout(fetchCtx)
		defer cancel()

		if tok, ok, err := c.cache.Get(ctx); err == nil && ok && tok.Valid(c.now()) {
			return tok, nil
		}
		tok, err := c.fetchToken(ctx)
		if err != nil {
			return Token{}, err
		}
		if err := c.cache.Set(ctx, tok); err != nil {
			c.logger.WithError(err).Warn("token cache write failed")
		}
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return Token{}, transportError("authenticate", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (c *Client) fetchTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *Client) fetchToken(ctx context.Context) (Token, error) {
	start := time.Now()
	observability.GatewayTokenRefreshes.Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return Token{}, errors.Wrap(err, "build token request")
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.hc.Do(req)
	if err != nil {
		observeGateway("token", "transport", start)
		return Token{}, transportError("token request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observeGateway("token", "transport", start)
		return Token{}, transportError("read token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		observeGateway("token", "rejected", start)
		return Token{}, errors.WithSecondaryError(
			errors.Wrapf(domain.ErrGatewayTransport, "token request returned %d", resp.StatusCode),
			errors.Newf("%s", truncate(string(body), 256)),
		)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		observeGateway("token", "transport", start)
		return Token{}, transportError("decode token response", err)
	}
	observeGateway("token", "ok", start)
	return Token{
		Value:     tr.AccessToken,
		ExpiresAt: c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
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
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Initiate sends an STK push. A transport-class failure is returned as an
// error marked ErrGatewayTransport; a provider refusal is a non-accepted
// PaymentInitiation with a nil error.
func (c *Client) Initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentInitiation, error) {
	if !req.Amount.IsPositive() {
		return domain.PaymentInitiation{}, errors.WithHint(domain.ErrInvalidInput, "amount must be positive")
	}

	init, status, err := c.stkPush(ctx, req)
	if status == http.StatusUnauthorized {
		if err := c.cache.Invalidate(ctx); err != nil {
			c.logger.WithError(err).Warn("token cache invalidate failed")
		}
		init, _, err = c.stkPush(ctx, req)
	}
	return init, err
}

func (c *Client) stkPush(ctx context.Context, req domain.PaymentRequest) (domain.PaymentInitiation, int, error) {
	tok, err := c.Authenticate(ctx)
	if err != nil {
		return domain.PaymentInitiation{}, 0, err
	}

	timestamp := c.now().In(c.loc).Format("20060102150405")
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.PassKey + timestamp)),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            WholeUnits(req.Amount),
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.Reference, maxReferenceLength),
		TransactionDesc:   truncate(req.Description, maxDescLength),
	}
	reqBuff, _ := json.Marshal(payload)

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+stkPath, bytes.NewReader(reqBuff))
	if err != nil {
		return domain.PaymentInitiation{}, 0, errors.Wrap(err, "build stk push request")
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	hr.Header.Set("Authorization", "Bearer "+tok.Value)

	start := time.Now()
	hresp, err := c.hc.Do(hr)
	if err != nil {
		observeGateway("stk_push", "transport", start)
		return domain.PaymentInitiation{}, 0, transportError("stk push", err)
	}
	defer hresp.Body.Close()

	respBody, err := io.ReadAll(hresp.Body)
	if err != nil {
		observeGateway("stk_push", "transport", start)
		return domain.PaymentInitiation{}, hresp.StatusCode, transportError("read stk push response", err)
	}

	log := c.logger.WithFields(map[string]interface{}{
		"status":    hresp.StatusCode,
		"reference": payload.AccountReference,
	})

	if hresp.StatusCode >= http.StatusInternalServerError {
		observeGateway("stk_push", "transport", start)
		log.Warn("gateway server error")
		return domain.PaymentInitiation{}, hresp.StatusCode, errors.Wrapf(domain.ErrGatewayTransport, "stk push returned %d", hresp.StatusCode)
	}

	var resp stkPushResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		observeGateway("stk_push", "transport", start)
		log.WithError(err).Warn("undecodable gateway response")
		return domain.PaymentInitiation{}, hresp.StatusCode, transportError("decode stk push response", err)
	}

	if hresp.StatusCode >= http.StatusBadRequest || resp.ResponseCode != "0" {
		observeGateway("stk_push", "rejected", start)
		msg := firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription, resp.CustomerMessage, http.StatusText(hresp.StatusCode))
		log.WithField("error_code", resp.ErrorCode).Info("stk push rejected: ", msg)
		return domain.PaymentInitiation{Accepted: false, Message: msg}, hresp.StatusCode, nil
	}

	if resp.CheckoutRequestID == "" {
		observeGateway("stk_push", "transport", start)
		return domain.PaymentInitiation{}, hresp.StatusCode, errors.WithHint(domain.ErrGatewayTransport, "accepted without checkout request id")
	}

	observeGateway("stk_push", "ok", start)
	return domain.PaymentInitiation{
		Accepted:          true,
		CorrelationToken:  resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Message:           firstNonEmpty(resp.CustomerMessage, resp.ResponseDescription),
	}, hresp.StatusCode, nil
}

// WholeUnits rounds amount up to whole currency units; the provider rejects
// fractional amounts.
func WholeUnits(amount decimal.Decimal) int64 {
	return amount.Ceil().IntPart()
}

func transportError(op string, cause error) error {
	err := errors.Wrap(domain.ErrGatewayTransport, op)
	if cause != nil {
		err = errors.WithSecondaryError(err, cause)
	}
	return err
}

func observeGateway(op, result string, start time.Time) {
	observability.GatewayDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
