// Package quant computes rolling volatility and fair-value probabilities for
// the scalper engine (spec.md §4.4). It owns its price-history ring
// exclusively; the ring is written only by the main tick and read only by
// the main tick (spec.md §5), so no lock is required for it.
package quant

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/vulture/scalper/types"
)

// historyCapacity is the ring buffer size (spec.md §3: "bounded; capacity = 60").
const historyCapacity = 60

// minSamplesForVolatility is the threshold below which Engine falls back to
// defaultVolatility instead of computing a measured figure.
const minSamplesForVolatility = 5

const (
	volatilityFloor   = 5.0
	defaultVolatility = 10.0
)

// samplePoint is one (price, timestamp) observation.
type samplePoint struct {
	price float64
	at    int64 // unix nanos; passed in by the caller, never read from the clock here
}

// Engine maintains the bounded price-history ring and derives volatility and
// fair-value estimates from it (spec.md C5).
type Engine struct {
	history []samplePoint
	head    int
	count   int
}

// New returns an Engine with an empty history ring.
func New() *Engine {
	return &Engine{history: make([]samplePoint, historyCapacity)}
}

// Observe appends a price sample at nowUnixNano, evicting the oldest sample
// once the ring is full.
func (e *Engine) Observe(price decimal.Decimal, nowUnixNano int64) {
	f, _ := price.Float64()
	e.history[e.head] = samplePoint{price: f, at: nowUnixNano}
	e.head = (e.head + 1) % historyCapacity
	if e.count < historyCapacity {
		e.count++
	}
}

// orderedSamples returns the ring contents in chronological order.
func (e *Engine) orderedSamples() []samplePoint {
	out := make([]samplePoint, e.count)
	start := e.head - e.count
	if start < 0 {
		start += historyCapacity
	}
	for i := 0; i < e.count; i++ {
		out[i] = e.history[(start+i)%historyCapacity]
	}
	return out
}

// VolatilityPerMinute computes the per-minute volatility estimate (spec.md
// §4.4). Fewer than minSamplesForVolatility samples yields defaultVolatility;
// otherwise the population standard deviation of first differences, scaled
// by the measured sampling rate and floored at volatilityFloor.
func (e *Engine) VolatilityPerMinute() float64 {
	samples := e.orderedSamples()
	n := len(samples)
	if n < minSamplesForVolatility {
		return defaultVolatility
	}

	deltas := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		deltas = append(deltas, samples[i].price-samples[i-1].price)
	}

	var sum float64
	for _, d := range deltas {
		sum += d
	}
	mean := sum / float64(len(deltas))

	var sqSum float64
	for _, d := range deltas {
		diff := d - mean
		sqSum += diff * diff
	}
	sigmaTick := math.Sqrt(sqSum / float64(len(deltas)))

	spanSeconds := float64(samples[n-1].at-samples[0].at) / 1e9
	if spanSeconds <= 0 {
		return defaultVolatility
	}
	ticksPerMinute := (float64(n) / spanSeconds) * 60

	volPerMinute := sigmaTick * math.Sqrt(ticksPerMinute)
	if volPerMinute < volatilityFloor {
		return volatilityFloor
	}
	return volPerMinute
}

// FairValue returns the probability that direction dir finishes in the
// money, given strike K, spot S, and remaining time t seconds (spec.md
// §4.4). At or past expiry it returns a crisp 1.0/0.0 outcome instead of a
// probability.
func (e *Engine) FairValue(dir types.TokenType, strike, spot decimal.Decimal, remainingSeconds float64) float64 {
	if remainingSeconds <= 0 {
		up := spot.GreaterThan(strike)
		if dir == types.TokenUp && up {
			return 1.0
		}
		if dir == types.TokenDown && !up && spot.LessThan(strike) {
			return 1.0
		}
		return 0.0
	}

	s, _ := spot.Float64()
	k, _ := strike.Float64()

	var distance float64
	if dir == types.TokenUp {
		distance = s - k
	} else {
		distance = k - s
	}

	volPerMinute := e.VolatilityPerMinute()
	expectedMove := volPerMinute * math.Sqrt(math.Max(0.01, remainingSeconds/60))
	if expectedMove == 0 {
		expectedMove = 1e-9
	}
	z := distance / expectedMove

	return NormalCDF(z)
}

// NormalCDF approximates the standard normal cumulative distribution
// function using the Abramowitz–Stegun 26.2.17 rational approximation
// (spec.md §4.4). Accurate to within 1e-6 for |z| up to roughly 5.
func NormalCDF(z float64) float64 {
	const (
		p  = 0.2316419
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
	)

	neg := z < 0
	x := z
	if neg {
		x = -z
	}

	t := 1.0 / (1.0 + p*x)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	density := math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
	cdf := 1.0 - density*poly

	if neg {
		return 1.0 - cdf
	}
	return cdf
}
