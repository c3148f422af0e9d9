package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentRequest is an STK-push style payment initiation.
type PaymentRequest struct {
	Phone       string
	Amount      decimal.Decimal
	Reference   string
	Description string
}

// PaymentInitiation is the gateway's synchronous answer. CorrelationToken is
// echoed back in the asynchronous callback.
type PaymentInitiation struct {
	Accepted          bool
	CorrelationToken  string
	MerchantRequestID string
	Message           string
}

type PaymentOutcome int

const (
	OutcomeUnknown PaymentOutcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o PaymentOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	}
	return "unknown"
}

// PaymentNotification is the validated form of an asynchronous gateway
// callback. Amount is zero-valued when HasAmount is false.
type PaymentNotification struct {
	ResultCode        int
	ResultDesc        string
	Outcome           PaymentOutcome
	CorrelationToken  string
	MerchantRequestID string
	ReceiptNumber     string
	Phone             string
	Amount            decimal.Decimal
	HasAmount         bool
}

// PaymentGateway is the boundary to the mobile-money provider.
type PaymentGateway interface {
	Initiate(ctx context.Context, req PaymentRequest) (PaymentInitiation, error)
	ParseNotification(payload []byte) (PaymentNotification, error)
}
