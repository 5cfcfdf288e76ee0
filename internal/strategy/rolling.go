package strategy

import (
	"math"
)

// welford accumulates a running mean and sum of squared deviations.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

// sampleStd is the ddof=1 standard deviation, NaN below two observations.
func (w *welford) sampleStd() float64 {
	if w.count < 2 {
		return math.NaN()
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

// window returns x[i-n+1 : i+1], or false if it is short or holds a NaN.
func window(x []float64, i, n int) ([]float64, bool) {
	if n <= 0 || i+1 < n {
		return nil, false
	}
	win := x[i-n+1 : i+1]
	for _, v := range win {
		if math.IsNaN(v) {
			return nil, false
		}
	}
	return win, true
}

// RollingMean is the trailing n-point mean; positions without a full window are NaN.
func RollingMean(x []float64, n int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		win, ok := window(x, i, n)
		if !ok {
			out[i] = math.NaN()
			continue
		}
		var w welford
		for _, v := range win {
			w.add(v)
		}
		out[i] = w.mean
	}
	return out
}

// RollingStd is the trailing n-point sample standard deviation.
func RollingStd(x []float64, n int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		win, ok := window(x, i, n)
		if !ok {
			out[i] = math.NaN()
			continue
		}
		var w welford
		for _, v := range win {
			w.add(v)
		}
		out[i] = w.sampleStd()
	}
	return out
}

// RollingPctRank is the percentile rank of each point within its trailing n-point window,
// ties averaged, in (0, 1].
func RollingPctRank(x []float64, n int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		win, ok := window(x, i, n)
		if !ok {
			out[i] = math.NaN()
			continue
		}
		cur := x[i]
		var below, equal int
		for _, v := range win {
			switch {
			case v < cur:
				below++
			case v == cur:
				equal++
			}
		}
		rank := float64(below) + float64(equal+1)/2
		out[i] = rank / float64(len(win))
	}
	return out
}
