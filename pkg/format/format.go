// Package format renders field values for display and normalises typed
// input. It is used by presentation layers; the resolver never calls it.
package format

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"

	"github.com/dlovans/fieldcalc/pkg/schema"
)

// DefaultRegion is used for phone numbers without a country code.
const DefaultRegion = "US"

var ErrInvalid = errors.New("invalid value")

// Phone formats a phone number in the national format of region, or in
// international format when the number belongs to another country.
func Phone(raw, region string) (string, error) {
	if region == "" {
		region = DefaultRegion
	}
	p, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("phone %q: %w", raw, err)
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone %q: %w", raw, ErrInvalid)
	}
	if libphonenumber.GetRegionCodeForNumber(p) != region {
		return libphonenumber.Format(p, libphonenumber.INTERNATIONAL), nil
	}
	return libphonenumber.Format(p, libphonenumber.NATIONAL), nil
}

// PhoneE164 normalises a phone number for storage.
func PhoneE164(raw, region string) (string, error) {
	if region == "" {
		region = DefaultRegion
	}
	p, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("phone %q: %w", raw, err)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// SSN formats nine digits as 123-45-6789.
func SSN(raw string) (string, error) {
	d := Digits(raw)
	if len(d) != 9 {
		return "", fmt.Errorf("ssn: %w", ErrInvalid)
	}
	return d[:3] + "-" + d[3:5] + "-" + d[5:], nil
}

// EIN formats nine digits as 12-3456789.
func EIN(raw string) (string, error) {
	d := Digits(raw)
	if len(d) != 9 {
		return "", fmt.Errorf("ein: %w", ErrInvalid)
	}
	return d[:2] + "-" + d[2:], nil
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Currency renders an amount as $1,234.56. Strings may carry a currency
// sign and thousands separators.
func Currency(v any) (string, error) {
	d, err := Decimal(v)
	if err != nil {
		return "", err
	}
	s := group(d.Abs().StringFixed(2))
	if d.Round(2).IsNegative() {
		return "-$" + s, nil
	}
	return "$" + s, nil
}

// Percentage renders v with the given number of decimal places and a
// trailing percent sign. v is already in percent, so 6.5 is "6.50%".
func Percentage(v any, places int32) (string, error) {
	d, err := Decimal(v)
	if err != nil {
		return "", err
	}
	return d.StringFixed(places) + "%", nil
}

// Decimal parses a stored or user-entered amount.
func Decimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		s := strings.TrimSpace(t)
		neg := strings.HasPrefix(s, "-") || (strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"))
		var b strings.Builder
		for _, r := range s {
			if (r >= '0' && r <= '9') || r == '.' {
				b.WriteRune(r)
			}
		}
		clean := b.String()
		if clean == "" {
			return decimal.Zero, fmt.Errorf("amount %q: %w", t, ErrInvalid)
		}
		d, err := decimal.NewFromString(clean)
		if err != nil {
			return decimal.Zero, fmt.Errorf("amount %q: %w", t, ErrInvalid)
		}
		if neg {
			d = d.Neg()
		}
		return d, nil
	}
	if f, ok := schema.ToFloat(v); ok {
		return decimal.NewFromFloat(f), nil
	}
	return decimal.Zero, fmt.Errorf("amount %v: %w", v, ErrInvalid)
}

// group inserts thousands separators into an unsigned fixed-point string.
func group(s string) string {
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	if len(intPart) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	return b.String() + frac
}

// Value formats v according to a field type. Types without a display mask
// are rendered with fmt. Formatting failures fall back to the raw text.
func Value(t schema.FieldType, v any, region string) string {
	if v == nil {
		return ""
	}
	var (
		out string
		err error
	)
	switch t {
	case schema.TypeCurrency:
		out, err = Currency(v)
	case schema.TypePercentage:
		out, err = Percentage(v, 2)
	case schema.TypeTel:
		out, err = Phone(fmt.Sprint(v), region)
	case schema.TypeSSN:
		out, err = SSN(fmt.Sprint(v))
	case schema.TypeEIN:
		out, err = EIN(fmt.Sprint(v))
	default:
		return fmt.Sprint(v)
	}
	if err != nil {
		return fmt.Sprint(v)
	}
	return out
}
