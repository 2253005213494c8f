package memory

import "math"

// Trend is the direction of a series.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// regress fits y = a + b*x over x = 0..n-1 and returns the slope, the mean
// of y and the standard deviation of the residuals.
func regress(ys []float64) (slope, mean, resid float64) {
	n := float64(len(ys))
	if len(ys) < 2 {
		if len(ys) == 1 {
			mean = ys[0]
		}
		return 0, mean, 0
	}
	var sx, sy, sxx, sxy float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n, 0
	}
	slope = (n*sxy - sx*sy) / den
	mean = sy / n
	intercept := mean - slope*(sx/n)
	var ss float64
	for i, y := range ys {
		d := y - (intercept + slope*float64(i))
		ss += d * d
	}
	return slope, mean, math.Sqrt(ss / n)
}

// LeakScore rates how strongly a series shows sustained growth, in [0,1].
// The rise over the window is compared to the residual noise around the
// fitted line; a clean monotonic climb scores close to 1, flat or noisy
// series score near 0. Fewer than three points always score 0.
func LeakScore(history []float64) float64 {
	if len(history) < 3 {
		return 0
	}
	slope, _, resid := regress(history)
	if slope <= 0 {
		return 0
	}
	rise := slope * float64(len(history)-1)
	score := rise / (rise + 3*resid)
	if math.IsNaN(score) {
		return 0
	}
	return math.Min(1, math.Max(0, score))
}

// TrendOf classifies the slope relative to the series mean. deadband is a
// per-sample fraction of the mean; slopes inside it are stable.
func TrendOf(history []float64, deadband float64) Trend {
	if len(history) < 2 {
		return TrendStable
	}
	slope, mean, _ := regress(history)
	rel := slope
	if mean != 0 {
		rel = slope / math.Abs(mean)
	}
	switch {
	case rel > deadband:
		return TrendIncreasing
	case rel < -deadband:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
