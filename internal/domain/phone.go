package domain

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

var phoneSeparators = regexp.MustCompile(`[\s\-()]`)

// NormalizePhone rewrites a payer number to the international form the
// gateway expects: "+254712345678" and "0712345678" both become
// "254712345678". The result must be a mobile number under countryCode.
func NormalizePhone(raw, countryCode string) (string, error) {
	p := phoneSeparators.ReplaceAllString(strings.TrimSpace(raw), "")
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = countryCode + p[1:]
	}
	if !isMobile(p, countryCode) {
		return "", errors.WithHintf(ErrInvalidPhoneFormat, "%q is not a valid mobile number", raw)
	}
	return p, nil
}

func isMobile(p, countryCode string) bool {
	rest, ok := strings.CutPrefix(p, countryCode)
	if !ok || len(rest) != 9 {
		return false
	}
	if rest[0] != '7' && rest[0] != '1' {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
