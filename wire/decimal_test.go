package wire

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDecimalRoundTrip(t *testing.T) {
	cases := []string{
		"0",
		"1",
		"-1",
		"123.456",
		"-123.456",
		"0.0001",
		"-0.0001",
		"99999999999999999999999999999.99",
		"-99999999999999999999999999999.99",
		"128",
		"-128",
		"255",
		"-255",
	}

	for _, c := range cases {
		d, err := decimal.NewFromString(c)
		require.NoError(t, err)

		w := EncodeDecimal(d)
		got := DecodeDecimal(w)

		require.True(t, d.Equal(got), "round trip mismatch for %s: got %s", c, got.String())
	}
}

func TestDecimalIdempotentEncode(t *testing.T) {
	d := decimal.RequireFromString("42.5")
	w1 := EncodeDecimal(d)
	w2 := EncodeDecimal(DecodeDecimal(w1))
	require.Equal(t, w1, w2)
}
