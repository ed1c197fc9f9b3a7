package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlovans/fieldcalc/pkg/schema"
)

func TestCurrency(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{0, "$0.00"},
		{1234.5, "$1,234.50"},
		{1234567.891, "$1,234,567.89"},
		{-42, "-$42.00"},
		{999.999, "$1,000.00"},
		{"$12,000", "$12,000.00"},
		{"(250.10)", "-$250.10"},
		{json.Number("100.005"), "$100.01"},
		{-0.001, "$0.00"},
	}
	for _, tt := range tests {
		got, err := Currency(tt.in)
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}

	_, err := Currency("n/a")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Currency(true)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPercentage(t *testing.T) {
	got, err := Percentage(6.5, 2)
	require.NoError(t, err)
	assert.Equal(t, "6.50%", got)

	got, err = Percentage("7.125", 1)
	require.NoError(t, err)
	assert.Equal(t, "7.1%", got)
}

func TestIdentifiers(t *testing.T) {
	got, err := SSN("123 45 6789")
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", got)

	got, err = EIN("123456789")
	require.NoError(t, err)
	assert.Equal(t, "12-3456789", got)

	_, err = SSN("12345")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = EIN("1234567890")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPhone(t *testing.T) {
	got, err := Phone("201-555-0123", "")
	require.NoError(t, err)
	assert.Equal(t, "(201) 555-0123", got)

	got, err = PhoneE164("(201) 555-0123", "US")
	require.NoError(t, err)
	assert.Equal(t, "+12015550123", got)

	_, err = Phone("12", "US")
	assert.Error(t, err)
}

func TestValue(t *testing.T) {
	assert.Equal(t, "$5.00", Value(schema.TypeCurrency, 5, ""))
	assert.Equal(t, "123-45-6789", Value(schema.TypeSSN, "123456789", ""))
	assert.Equal(t, "123", Value(schema.TypeSSN, "123", ""), "unformattable values fall back to raw text")
	assert.Equal(t, "hello", Value(schema.TypeText, "hello", ""))
	assert.Equal(t, "", Value(schema.TypeCurrency, nil, ""))
}
