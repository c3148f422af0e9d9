package domain_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		code domain.Code
	}{
		{errors.Wrap(domain.ErrSoldOut, "plan"), domain.CodeSoldOut},
		{errors.WithHint(domain.ErrGatewayRejected, "insufficient funds"), domain.CodeGatewayRejected},
		{domain.ErrSerializationFailure, domain.CodeConflict},
		{errors.New("boom"), domain.CodeInternal},
		{nil, ""},
	}
	for _, tc := range tests {
		if got := domain.CodeOf(tc.err); got != tc.code {
			t.Errorf("CodeOf(%v) = %s, want %s", tc.err, got, tc.code)
		}
	}
}

func TestMessageOf(t *testing.T) {
	err := errors.Wrap(errors.WithHint(domain.ErrNotRefundable, "event already started"), "refund")
	if got := domain.MessageOf(err); got != "event already started" {
		t.Errorf("unexpected message %q", got)
	}
	if got := domain.MessageOf(domain.ErrSoldOut); got != "sold out" {
		t.Errorf("unexpected message %q", got)
	}
	if got := domain.MessageOf(errors.New("db exploded")); got != "internal error" {
		t.Errorf("internal errors must not leak, got %q", got)
	}
}
