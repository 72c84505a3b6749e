package model

import "time"

// Bar is one stored OHLCV row of the ticker_data_1m table.
type Bar struct {
	Ticker   string    `json:"ticker"`
	Time     time.Time `json:"datetime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   int64     `json:"volume"`
	AdjClose float64   `json:"adj_close"`
}

// Sample is one decoded (price, volume) observation.
type Sample struct {
	Price  float64 `json:"price"`
	Volume uint64  `json:"volume"`
}

// PriceSeries holds closing prices for one ticker.
// Price sources return them most-recent-first.
type PriceSeries []float64

// Chronological returns an oldest-to-newest copy of a most-recent-first series.
func (s PriceSeries) Chronological() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[len(s)-1-i] = p
	}
	return out
}
