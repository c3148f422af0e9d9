package domain_test

import (
	"errors"
	"testing"

	"github.com/robertarktes/campus-ticket-payments/internal/domain"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+254712345678", "254712345678", true},
		{"0712345678", "254712345678", true},
		{"254712345678", "254712345678", true},
		{"0112 345 678", "254112345678", true},
		{"+254-712-345-678", "254712345678", true},
		{"071234567", "", false},
		{"0812345678", "", false},
		{"+1 415 555 0100", "", false},
		{"07123456ab", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, err := domain.NormalizePhone(tc.in, "254")
		if tc.ok {
			if err != nil || got != tc.want {
				t.Errorf("NormalizePhone(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, domain.ErrInvalidPhoneFormat) {
			t.Errorf("NormalizePhone(%q): expected ErrInvalidPhoneFormat, got %q, %v", tc.in, got, err)
		}
		if domain.CodeOf(err) != domain.CodeInvalidPhoneFormat || !domain.IsValidation(err) {
			t.Errorf("NormalizePhone(%q): unexpected classification %s", tc.in, domain.CodeOf(err))
		}
	}
}
