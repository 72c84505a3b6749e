package indicator

// ComputeSMA returns the arithmetic mean of the first window elements of prices.
// Returns 0 when window <= 0 or fewer than window prices are available; use SMA
// to tell that case apart from a computed zero.
func ComputeSMA(prices []float64, window int) float64 {
	v, _ := SMA(prices, window)
	return v
}

// SMA is ComputeSMA with an explicit ready flag.
func SMA(prices []float64, window int) (float64, bool) {
	if window <= 0 || len(prices) == 0 || len(prices) < window {
		return 0, false
	}
	sum := 0.0
	for i := 0; i < window; i++ {
		sum += prices[i]
	}
	return sum / float64(window), true
}

// Variance returns the population variance of prices, 0 for fewer than two points.
func Variance(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	var sum, sumSq float64
	for _, p := range prices {
		sum += p
		sumSq += p * p
	}
	n := float64(len(prices))
	mean := sum / n
	return sumSq/n - mean*mean
}
