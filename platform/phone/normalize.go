// Package phone provides phone number utilities.
// This is part of the platform layer and contains no business logic.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used when a number carries no country prefix.
const DefaultRegion = "BR"

// ErrInvalidContactID is returned for contact ids that are not valid phone numbers.
var ErrInvalidContactID = errors.New("invalid contact id")

// transport suffixes appended by chat gateways to the bare number
var jidSuffixes = []string{"@s.whatsapp.net", "@c.us", "@lid"}

// NormalizeE164 formats a phone number to E.164. If parsing fails, it returns the trimmed input.
func NormalizeE164(input string) string {
	normalized, err := Normalize(input, DefaultRegion)
	if err != nil {
		return strings.TrimSpace(input)
	}
	return normalized
}

// NormalizeContactID turns a raw contact identifier into the store key.
func NormalizeContactID(raw string) (string, error) {
	return Normalize(raw, DefaultRegion)
}

// Normalize parses raw in the given default region and returns it in E.164.
// Gateway suffixes and a leading "whatsapp:" scheme are stripped first.
func Normalize(raw, region string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "whatsapp:")
	for _, suffix := range jidSuffixes {
		trimmed = strings.TrimSuffix(trimmed, suffix)
	}
	if i := strings.IndexByte(trimmed, ':'); i > 0 {
		// device suffix, e.g. 5511999998888:12
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "", ErrInvalidContactID
	}
	if region == "" {
		region = DefaultRegion
	}

	// gateways often drop the plus sign on international numbers
	if !strings.HasPrefix(trimmed, "+") && len(digitsOnly(trimmed)) > 11 {
		trimmed = "+" + trimmed
	}

	number, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return "", ErrInvalidContactID
	}

	if !phonenumbers.IsValidNumber(number) {
		return "", ErrInvalidContactID
	}

	return phonenumbers.Format(number, phonenumbers.E164), nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
