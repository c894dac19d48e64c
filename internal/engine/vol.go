package engine

import (
	"math"
	"sync"
	"time"
)

// Seconds in the regular US trading year (252 sessions of 6.5 hours), for
// annualizing realized volatility.
const annualTradingSeconds = 252 * 6.5 * 60 * 60

// volSample is one squared log return and the interval it was observed
// over.
type volSample struct {
	r2 float64
	dt float64 // seconds
}

// volSeries is the per-symbol rolling window of return samples.
type volSeries struct {
	lastPrice float64
	lastAt    time.Time
	samples   []volSample // ring
	idx       int
	count     int
}

// VolEstimator derives an annualized realized-volatility estimate from the
// trade-price stream, one rolling window per symbol. The estimate is the
// root of the time-scaled mean of squared log returns over the window,
// expressed as a percentage, the usual quote convention for the
// classification thresholds.
type VolEstimator struct {
	window     int
	minSamples int

	mu     sync.Mutex
	series map[string]*volSeries
}

// NewVolEstimator creates an estimator. window is the number of return
// samples retained per symbol; minSamples is how many are required before
// an estimate is reported.
func NewVolEstimator(window, minSamples int) *VolEstimator {
	if window <= 0 {
		window = 120
	}
	if minSamples <= 0 || minSamples > window {
		minSamples = 20
		if minSamples > window {
			minSamples = window
		}
	}
	return &VolEstimator{
		window:     window,
		minSamples: minSamples,
		series:     make(map[string]*volSeries),
	}
}

// Observe ingests a trade price in cents. It returns the updated
// annualized volatility for the symbol; ok is false until the window holds
// enough samples. Non-positive prices and out-of-order timestamps are
// ignored.
func (e *VolEstimator) Observe(symbol string, price int64, at time.Time) (vol float64, ok bool) {
	if price <= 0 {
		return 0, false
	}
	p := float64(price)

	e.mu.Lock()
	defer e.mu.Unlock()

	s, exists := e.series[symbol]
	if !exists {
		e.series[symbol] = &volSeries{
			lastPrice: p,
			lastAt:    at,
			samples:   make([]volSample, e.window),
		}
		return 0, false
	}

	dt := at.Sub(s.lastAt).Seconds()
	if dt <= 0 {
		return 0, false
	}

	r := math.Log(p / s.lastPrice)
	s.samples[s.idx] = volSample{r2: r * r, dt: dt}
	s.idx = (s.idx + 1) % e.window
	if s.count < e.window {
		s.count++
	}
	s.lastPrice = p
	s.lastAt = at

	if s.count < e.minSamples {
		return 0, false
	}

	var sumR2, sumDt float64
	for i := 0; i < s.count; i++ {
		sumR2 += s.samples[i].r2
		sumDt += s.samples[i].dt
	}
	if sumDt <= 0 {
		return 0, false
	}
	return math.Sqrt(sumR2/sumDt*annualTradingSeconds) * 100, true
}
