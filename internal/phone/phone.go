// Package phone canonicalizes recipient identifiers so the same recipient
// always maps to one queue key.
package phone

import (
	"errors"
	"strings"
)

// ErrInvalidRecipient is returned when the raw input does not contain enough
// digits to form a deliverable address. Callers must reject the enqueue
// rather than send to a malformed address.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Rule describes the numbering plan of the target country/transport.
type Rule struct {
	// CountryCode is prepended when the input carries no country prefix.
	CountryCode string
	// MinDigits is the minimum viable digit count after stripping.
	MinDigits int
	// MaxDigits caps the canonical key; longer inputs keep the rightmost
	// digits, which protects against double-prefixed numbers.
	MaxDigits int
	// LongMobileDigits is the full-length mobile form that carries an extra
	// mobile-indicator digit. Zero disables the collapse.
	LongMobileDigits int
	// MobilePrefix is the indicator digit dropped when collapsing the long
	// mobile form to the short form used by the transport.
	MobilePrefix byte
	// MobilePrefixIndex is the position of the indicator digit within the
	// long form.
	MobilePrefixIndex int
}

// DefaultRule matches the numbering plan of the chat transport's primary
// market: country code 55, area code plus subscriber number, with the 9
// mobile indicator collapsed after the two-digit area code.
func DefaultRule() Rule {
	return Rule{
		CountryCode:       "55",
		MinDigits:         10,
		MaxDigits:         13,
		LongMobileDigits:  13,
		MobilePrefix:      '9',
		MobilePrefixIndex: 4,
	}
}

// Normalizer canonicalizes raw recipient strings under a single Rule.
type Normalizer struct {
	rule Rule
}

// NewNormalizer creates a normalizer for the given rule.
func NewNormalizer(rule Rule) *Normalizer {
	return &Normalizer{rule: rule}
}

// Normalize returns the canonical digits-only queue key for raw input.
// The function is a fixed point: normalizing an already-canonical key
// returns it unchanged.
func (n *Normalizer) Normalize(raw string) (string, error) {
	digits := stripNonDigits(raw)
	if len(digits) < n.rule.MinDigits {
		return "", ErrInvalidRecipient
	}

	// Keep the rightmost digits so a double-prefixed input collapses to the
	// same key as a clean one.
	if len(digits) > n.rule.MaxDigits {
		digits = digits[len(digits)-n.rule.MaxDigits:]
	}

	if !strings.HasPrefix(digits, n.rule.CountryCode) {
		digits = n.rule.CountryCode + digits
		if len(digits) > n.rule.MaxDigits {
			digits = digits[len(digits)-n.rule.MaxDigits:]
		}
	}

	if n.rule.LongMobileDigits > 0 &&
		len(digits) == n.rule.LongMobileDigits &&
		n.rule.MobilePrefixIndex < len(digits) &&
		digits[n.rule.MobilePrefixIndex] == n.rule.MobilePrefix {
		digits = digits[:n.rule.MobilePrefixIndex] + digits[n.rule.MobilePrefixIndex+1:]
	}

	if len(digits) < n.rule.MinDigits {
		return "", ErrInvalidRecipient
	}

	return digits, nil
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
