package indicator

// ComputeRSI returns Wilder-smoothed RSI values for a chronological (oldest to
// newest) series. The result has the same length as prices; indices below period
// are left 0 and are not valid RSI values. Returns an empty slice when
// period <= 0 or len(prices) < period+1.
//
// The recurrence is kept exactly as the stored metrics were produced:
//   - the seed averages deltas 1..period, and smoothing starts again at index
//     period, so that delta is counted twice;
//   - when avgLoss is 0, rs is taken as 0 (not +Inf), which yields RSI 0.
func ComputeRSI(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period+1 {
		return []float64{}
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}

	p := float64(period)
	avgGain := gain / p
	avgLoss := loss / p

	rsi := make([]float64, len(prices))
	for i := period; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		up, down := 0.0, 0.0
		if delta > 0 {
			up = delta
		} else {
			down = -delta
		}
		avgGain = (avgGain*(p-1) + up) / p
		avgLoss = (avgLoss*(p-1) + down) / p

		rs := 0.0
		if avgLoss != 0 {
			rs = avgGain / avgLoss
		}
		rsi[i] = 100.0 - 100.0/(1.0+rs)
	}
	return rsi
}
