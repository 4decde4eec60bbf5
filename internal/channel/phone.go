// Package channel implements the SMS, WhatsApp and email senders used by
// notification dispatch.
package channel

import (
	"regexp"
	"strings"

	"schoolconnect/internal/apperr"
)

var e164 = regexp.MustCompile(`^\+\d{8,15}$`)

// NormalizePhone strips formatting and prepends countryCode to numbers given
// without an international prefix. The result must look like E.164.
func NormalizePhone(raw, countryCode string) (string, error) {
	n := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if n == "" {
		return "", apperr.Invalid("phone number required")
	}
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}
	if !strings.HasPrefix(n, "+") {
		cc := strings.TrimSpace(countryCode)
		if !strings.HasPrefix(cc, "+") {
			cc = "+" + cc
		}
		n = cc + strings.TrimLeft(n, "0")
	}
	if !e164.MatchString(n) {
		return "", apperr.Invalidf("invalid phone number %q", raw)
	}
	return n, nil
}

func phoneKey(addr, countryCode string) string {
	if n, err := NormalizePhone(addr, countryCode); err == nil {
		return n
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
