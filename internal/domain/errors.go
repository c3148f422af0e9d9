package domain

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrInvalidPhoneFormat   = errors.New("invalid phone format")
	ErrSoldOut              = errors.New("sold out")
	ErrOutsideSaleWindow    = errors.New("outside sale window")
	ErrGatewayTransport     = errors.New("payment gateway transport error")
	ErrGatewayRejected      = errors.New("payment gateway rejected request")
	ErrMalformedCallback    = errors.New("malformed payment callback")
	ErrOversoldAtSettlement = errors.New("oversold at settlement")
	ErrNotRefundable        = errors.New("not refundable")
	ErrIllegalTransition    = errors.New("illegal purchase status transition")
)

// Code is the stable machine-readable identifier surfaced to API clients.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeInvalidPhoneFormat   Code = "INVALID_PHONE_FORMAT"
	CodeSoldOut              Code = "SOLD_OUT"
	CodeOutsideSaleWindow    Code = "OUTSIDE_SALE_WINDOW"
	CodeGatewayTransport     Code = "GATEWAY_TRANSPORT_ERROR"
	CodeGatewayRejected      Code = "GATEWAY_REJECTED"
	CodeMalformedCallback    Code = "MALFORMED_CALLBACK"
	CodeOversoldAtSettlement Code = "OVERSOLD_AT_SETTLEMENT"
	CodeNotRefundable        Code = "NOT_REFUNDABLE"
	CodeIllegalTransition    Code = "ILLEGAL_TRANSITION"
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeInternal             Code = "INTERNAL"
)

var codeTable = []struct {
	err  error
	code Code
}{
	{ErrInvalidPhoneFormat, CodeInvalidPhoneFormat},
	{ErrInvalidInput, CodeValidation},
	{ErrSoldOut, CodeSoldOut},
	{ErrOutsideSaleWindow, CodeOutsideSaleWindow},
	{ErrGatewayTransport, CodeGatewayTransport},
	{ErrGatewayRejected, CodeGatewayRejected},
	{ErrMalformedCallback, CodeMalformedCallback},
	{ErrOversoldAtSettlement, CodeOversoldAtSettlement},
	{ErrNotRefundable, CodeNotRefundable},
	{ErrIllegalTransition, CodeIllegalTransition},
	{ErrNotFound, CodeNotFound},
	{ErrConflict, CodeConflict},
	{ErrSerializationFailure, CodeConflict},
}

// CodeOf maps an error chain to its API code. Unknown errors are CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// MessageOf returns the human-readable message for err. Hints attached with
// errors.WithHint take precedence over the sentinel text.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if hint := errors.FlattenHints(err); hint != "" {
		return hint
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.err.Error()
		}
	}
	return "internal error"
}

// IsValidation reports whether err was rejected before any side effect.
func IsValidation(err error) bool {
	return errors.IsAny(err, ErrInvalidInput, ErrInvalidPhoneFormat)
}
