// Package phone validates and canonicalizes Kenyan mobile-money numbers
// into the international digit format the payment gateway expects.
package phone

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalid is returned when a raw input does not match any accepted format.
var ErrInvalid = fmt.Errorf("invalid phone number")

// Accepted shapes after stripping: local with or without the leading zero
// (07XXXXXXXX, 7XXXXXXXX, 01XXXXXXXX, 1XXXXXXXX) and country-prefixed
// (2547XXXXXXXX, 2541XXXXXXXX).
var (
	localPattern    = regexp.MustCompile(`^0?[71]\d{8}$`)
	prefixedPattern = regexp.MustCompile(`^254[71]\d{8}$`)
)

// strip removes whitespace, hyphens and a leading plus sign.
func strip(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.TrimPrefix(s, "+")
	return s
}

// Validate reports whether raw is an accepted mobile number.
func Validate(raw string) bool {
	s := strip(raw)
	return localPattern.MatchString(s) || prefixedPattern.MatchString(s)
}

// Normalize canonicalizes raw into the 254-prefixed digit string.
// It must only be called after Validate returns true; the result for an
// unvalidated input is undefined.
func Normalize(raw string) string {
	s := strip(raw)
	if prefixedPattern.MatchString(s) {
		return s
	}
	s = strings.TrimPrefix(s, "0")
	return "254" + s
}

// Parse combines Validate and Normalize into a single call.
func Parse(raw string) (string, error) {
	if !Validate(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return Normalize(raw), nil
}
