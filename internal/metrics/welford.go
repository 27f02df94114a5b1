package metrics

import "math"

// Welford keeps a running mean and variance using Welford's online algorithm,
// so aggregates can be extended one observation at a time without the history.
type Welford struct {
	Count int
	Mean  float64
	M2    float64 // sum of squared differences from the mean
}

// Add folds one observation into the running state
func (w *Welford) Add(value float64) {
	w.Count++
	delta := value - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (value - w.Mean)
}

// Variance returns the population variance, 0 with fewer than 2 observations
func (w *Welford) Variance() float64 {
	if w.Count < 2 {
		return 0
	}
	return w.M2 / float64(w.Count)
}

// StdDev returns the population standard deviation
func (w *Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}
