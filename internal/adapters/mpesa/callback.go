package mpesa

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/shopspring/decimal"
)

// failureCodes are STK result codes that mean the customer did not pay:
// insufficient funds, cancelled, timed out, wrong PIN and similar.
var failureCodes = map[int]struct{}{
	1:    {},
	1001: {},
	1019: {},
	1025: {},
	1032: {},
	1037: {},
	2001: {},
	9999: {},
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string          `json:"MerchantRequestID"`
	CheckoutRequestID string          `json:"CheckoutRequestID"`
	ResultCode        json.RawMessage `json:"ResultCode"`
	ResultDesc        string          `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

func malformed(format string, args ...interface{}) error {
	return errors.WithHintf(domain.ErrMalformedCallback, format, args...)
}

// ParseNotification validates a Daraja STK callback.
func (c *Client) ParseNotification(payload []byte) (domain.PaymentNotification, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.PaymentNotification{}, errors.WithSecondaryError(malformed("payload is not valid JSON"), err)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return domain.PaymentNotification{}, malformed("missing Body.stkCallback")
	}

	code, err := parseResultCode(cb.ResultCode)
	if err != nil {
		return domain.PaymentNotification{}, err
	}

	n := domain.PaymentNotification{
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
		CorrelationToken:  strings.TrimSpace(cb.CheckoutRequestID),
		MerchantRequestID: cb.MerchantRequestID,
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			switch item.Name {
			case "MpesaReceiptNumber":
				n.ReceiptNumber = rawString(item.Value)
			case "PhoneNumber":
				n.Phone = rawString(item.Value)
			case "Amount":
				amount, err := decimal.NewFromString(rawString(item.Value))
				if err != nil {
					return domain.PaymentNotification{}, malformed("invalid Amount %s", item.Value)
				}
				n.Amount, n.HasAmount = amount, true
			}
		}
	}

	if n.CorrelationToken == "" && !(c.cfg.AllowUncorrelated && n.Phone != "") {
		return domain.PaymentNotification{}, malformed("missing CheckoutRequestID")
	}

	switch _, failed := failureCodes[code]; {
	case code == 0:
		n.Outcome = domain.OutcomeSuccess
		if n.ReceiptNumber == "" {
			return domain.PaymentNotification{}, malformed("successful callback without MpesaReceiptNumber")
		}
	case failed:
		n.Outcome = domain.OutcomeFailure
	default:
		n.Outcome = domain.OutcomeUnknown
	}
	return n, nil
}

// parseResultCode accepts 0 and "0"; the provider has sent both.
func parseResultCode(raw json.RawMessage) (int, error) {
	s := rawString(raw)
	if s == "" || s == "null" {
		return 0, malformed("missing ResultCode")
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, malformed("non-numeric ResultCode %s", raw)
	}
	return code, nil
}

// rawString renders a scalar JSON value without quotes.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return string(raw)
}
