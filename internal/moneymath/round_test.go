package moneymath

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundBankers_HalfEven(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		places int32
		want   string
	}{
		{"half rounds down to even", "0.125", 2, "0.12"},
		{"half rounds up to even", "0.135", 2, "0.14"},
		{"clear round down", "0.131", 2, "0.13"},
		{"clear round up", "0.129", 2, "0.13"},
		{"negative half to even", "-0.125", 2, "-0.12"},
		{"integer unaffected", "4", 2, "4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RoundBankers(decimal.RequireFromString(tc.in), tc.places)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

func TestDivBankers(t *testing.T) {
	got := DivBankers(decimal.RequireFromString("10"), decimal.RequireFromString("3"), 4)
	assert.True(t, got.Equal(decimal.RequireFromString("3.3333")), "got %s", got)
}

func TestDivBankers_WeightedAverageShape(t *testing.T) {
	// (100*2 + 101*1) / 3 = 100.3333...
	num := decimal.RequireFromString("100").Mul(decimal.RequireFromString("2")).
		Add(decimal.RequireFromString("101").Mul(decimal.RequireFromString("1")))
	den := decimal.RequireFromString("3")
	got := DivBankers(num, den, MinScale)
	assert.True(t, got.Equal(decimal.RequireFromString("100.3333")), "got %s", got)
}
