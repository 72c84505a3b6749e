// Package scheduler fans ticker processing out over a bounded worker pool.
//
// Tickers are split into consecutive batches; each batch runs on one worker,
// which fetches every ticker's recent closes and computes its indicators.
// Results are aggregated into a single mapping once all batches finish.
package scheduler

// Partition splits tickers into consecutive batches of at most size, preserving
// order. The last batch may be shorter. A size <= 0 is treated as 1.
func Partition(tickers []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	if len(tickers) == 0 {
		return nil
	}
	n := (len(tickers) + size - 1) / size
	batches := make([][]string, 0, n)
	for start := 0; start < len(tickers); start += size {
		end := min(start+size, len(tickers))
		batches = append(batches, tickers[start:end:end])
	}
	return batches
}

// dedupe drops repeated tickers, keeping first occurrence order.
func dedupe(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
