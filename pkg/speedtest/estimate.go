package speedtest

import (
	"math/rand"
	"sync"
)

// Estimator derives an upload rate from a measured download rate.
//
// This is not a measurement. Nothing is uploaded; the estimate is the
// download rate scaled by a ratio drawn uniformly from [min, max) on every
// call, so repeated calls with the same input return different values.
type Estimator struct {
	min, max float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewEstimator creates an estimator drawing ratios in [min, max) from src.
func NewEstimator(min, max float64, src rand.Source) *Estimator {
	return &Estimator{
		min:  min,
		max:  max,
		rand: rand.New(src),
	}
}

// Estimate returns downloadMbps scaled by a random ratio, rounded to one decimal.
func (e *Estimator) Estimate(downloadMbps float64) float64 {
	e.mu.Lock()
	r := e.min + e.rand.Float64()*(e.max-e.min)
	e.mu.Unlock()

	return roundTenth(downloadMbps * r)
}
