package quant

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/vulture/scalper/types"
)

func TestNormalCDF_Symmetric(t *testing.T) {
	assert.InDelta(t, 0.5, NormalCDF(0), 1e-9)
	for _, z := range []float64{0.5, 1.0, 1.96, 2.5, 5.0} {
		assert.InDelta(t, 1.0, NormalCDF(z)+NormalCDF(-z), 1e-6)
	}
}

func TestNormalCDF_ReferenceValues(t *testing.T) {
	cases := []struct {
		z    float64
		want float64
	}{
		{1.0, 0.8413447},
		{1.96, 0.9750021},
		{-1.0, 0.1586553},
		{2.5, 0.9937903},
		{-5.0, 2.866516e-7},
	}
	for _, c := range cases {
		got := NormalCDF(c.z)
		assert.InDeltaf(t, c.want, got, 1e-6, "z=%v", c.z)
	}
}

func TestVolatilityPerMinute_InsufficientSamples(t *testing.T) {
	e := New()
	e.Observe(decimal.NewFromFloat(100), 0)
	e.Observe(decimal.NewFromFloat(100.1), int64(time.Second))
	assert.Equal(t, defaultVolatility, e.VolatilityPerMinute())
}

func TestVolatilityPerMinute_FlatMarketFloors(t *testing.T) {
	e := New()
	for i := 0; i < 10; i++ {
		e.Observe(decimal.NewFromFloat(100), int64(i)*int64(time.Second))
	}
	assert.Equal(t, volatilityFloor, e.VolatilityPerMinute())
}

func TestVolatilityPerMinute_MeasuresMovement(t *testing.T) {
	e := New()
	prices := []float64{100, 101, 99, 102, 98, 103, 97, 104}
	for i, p := range prices {
		e.Observe(decimal.NewFromFloat(p), int64(i)*int64(time.Second))
	}
	got := e.VolatilityPerMinute()
	assert.Greater(t, got, volatilityFloor)
}

func TestVolatilityPerMinute_RingEvictsOldest(t *testing.T) {
	e := New()
	for i := 0; i < historyCapacity+10; i++ {
		e.Observe(decimal.NewFromFloat(100), int64(i)*int64(time.Second))
	}
	assert.Equal(t, historyCapacity, e.count)
}

func TestFairValue_AtExpiry(t *testing.T) {
	e := New()
	strike := decimal.NewFromFloat(100)
	above := decimal.NewFromFloat(101)
	below := decimal.NewFromFloat(99)

	assert.Equal(t, 1.0, e.FairValue(types.TokenUp, strike, above, 0))
	assert.Equal(t, 0.0, e.FairValue(types.TokenDown, strike, above, 0))
	assert.Equal(t, 1.0, e.FairValue(types.TokenDown, strike, below, -5))
	assert.Equal(t, 0.0, e.FairValue(types.TokenUp, strike, below, 0))
}

func TestFairValue_AtStrikeIsCoinFlip(t *testing.T) {
	e := New()
	for i := 0; i < 10; i++ {
		e.Observe(decimal.NewFromFloat(100), int64(i)*int64(time.Second))
	}
	strike := decimal.NewFromFloat(100)
	spot := decimal.NewFromFloat(100)
	got := e.FairValue(types.TokenUp, strike, spot, 120)
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestFairValue_FurtherAboveStrikeIsHigherProbability(t *testing.T) {
	e := New()
	for i := 0; i < 10; i++ {
		e.Observe(decimal.NewFromFloat(100), int64(i)*int64(time.Second))
	}
	strike := decimal.NewFromFloat(100)
	near := e.FairValue(types.TokenUp, strike, decimal.NewFromFloat(101), 120)
	far := e.FairValue(types.TokenUp, strike, decimal.NewFromFloat(110), 120)
	assert.Greater(t, far, near)
	assert.True(t, math.IsInf(far, 0) == false)
}
