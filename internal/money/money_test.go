package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundIsHalfUp(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"33.335", "33.34"},
		{"33.334", "33.33"},
		{"0.005", "0.01"},
		{"10", "10.00"},
	}
	for _, tc := range cases {
		got := Round(decimal.RequireFromString(tc.in)).StringFixed(Places)
		assert.Equal(t, tc.expected, got, "Round(%s)", tc.in)
	}
}

func TestParseAcceptsFormattedInput(t *testing.T) {
	d, err := Parse("  1,250.50 ")
	require.NoError(t, err)
	assert.Equal(t, "1250.50", d.StringFixed(2))
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse("-3")
	assert.ErrorIs(t, err, ErrNegative)

	_, err = Parse("twelve")
	assert.Error(t, err)
}

func TestWithinToleranceBoundary(t *testing.T) {
	target := decimal.RequireFromString("1000.00")
	assert.True(t, WithinTolerance(decimal.RequireFromString("1000.01"), target, Cent))
	assert.False(t, WithinTolerance(decimal.RequireFromString("1000.02"), target, Cent))
}

func TestFormatGroupsThousands(t *testing.T) {
	assert.Equal(t, "1,000.00", Format(decimal.NewFromInt(1000)))
	assert.Equal(t, "999.50", Format(decimal.RequireFromString("999.5")))
	assert.Equal(t, "1,234,567.89", Format(decimal.RequireFromString("1234567.891")))
	assert.Equal(t, "-12.00", Format(decimal.NewFromInt(-12)))
}

func TestClamp(t *testing.T) {
	lo, hi := decimal.Zero, decimal.NewFromInt(10)
	assert.Equal(t, "0", Clamp(decimal.NewFromInt(-1), lo, hi).String())
	assert.Equal(t, "10", Clamp(decimal.NewFromInt(11), lo, hi).String())
	assert.Equal(t, "5", Clamp(decimal.NewFromInt(5), lo, hi).String())
}
