package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
)

// Codes produced by the HTTP layer itself.
const (
	codeUnauthorized    domain.Code = "UNAUTHORIZED"
	codeForbidden       domain.Code = "FORBIDDEN"
	codeRateLimited     domain.Code = "RATE_LIMITED"
	codeRequestInFlight domain.Code = "REQUEST_IN_PROGRESS"
	codeServiceNotReady domain.Code = "NOT_READY"
)

const maxRequestBodyBytes = 64 << 10

type errorResponse struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

func statusOf(code domain.Code) int {
	switch code {
	case domain.CodeValidation, domain.CodeInvalidPhoneFormat, domain.CodeMalformedCallback:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeSoldOut, domain.CodeOutsideSaleWindow, domain.CodeConflict,
		domain.CodeIllegalTransition, domain.CodeOversoldAtSettlement:
		return http.StatusConflict
	case domain.CodeNotRefundable:
		return http.StatusUnprocessableEntity
	case domain.CodeGatewayRejected:
		return http.StatusBadGateway
	case domain.CodeGatewayTransport:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code domain.Code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeError maps a service error to its status and {code, message} body.
// Internal errors are logged and never shown to the client.
func writeError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	code := domain.CodeOf(err)
	status := statusOf(code)
	msg := domain.MessageOf(err)
	if code == domain.CodeInternal {
		observability.LoggerFrom(r.Context(), logger).WithError(err).Error("request failed")
		msg = "internal error"
	}
	writeProblem(w, status, code, msg)
}

// invalidInput turns validator failures into ErrInvalidInput with a hint per
// field.
func invalidInput(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.WithHint(domain.ErrInvalidInput, "invalid request body")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.WithHint(domain.ErrInvalidInput, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "uuid":
		return fe.Field() + " must be a UUID"
	}
	return fe.Field() + " is invalid"
}
