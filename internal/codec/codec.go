// Package codec packs a (price, volume) sample into a single 64-bit word.
//
// Layout: the low 16 bits hold the price as fixed-point ×10000, the remaining
// 48 high bits hold the volume. Only prices in [0, 6.5535] survive a round
// trip; Pack silently wraps anything outside that range. Use PackChecked when
// aliasing must be rejected.
package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"tickermetrics/internal/model"
)

const (
	PriceBits  = 16
	PriceMask  = uint64(1)<<PriceBits - 1
	PriceScale = 10000

	// MaxPrice is the largest representable price (0xFFFF / 10000).
	MaxPrice = float64(PriceMask) / PriceScale
	// MaxVolume is the largest volume that fits above the price bits.
	MaxVolume = uint64(1)<<(64-PriceBits) - 1
)

// ErrOutOfRange is returned by PackChecked when a sample cannot be encoded
// without aliasing.
var ErrOutOfRange = errors.New("sample outside encodable range")

// Pack encodes price and volume. Out-of-range prices wrap modulo 2^16 scaled
// units and volumes above MaxVolume lose their top bits. Non-finite prices
// encode as 0.
func Pack(price float64, volume uint64) uint64 {
	return volume<<PriceBits | priceBits(price)
}

// PackChecked encodes price and volume, failing with ErrOutOfRange instead of wrapping.
func PackChecked(price float64, volume uint64) (uint64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("price %v: %w", price, ErrOutOfRange)
	}
	scaled := scale(price)
	if scaled.IsNegative() || scaled.GreaterThan(decimal.NewFromInt(int64(PriceMask))) {
		return 0, fmt.Errorf("price %v (max %.4f): %w", price, MaxPrice, ErrOutOfRange)
	}
	if volume > MaxVolume {
		return 0, fmt.Errorf("volume %d (max %d): %w", volume, MaxVolume, ErrOutOfRange)
	}
	return volume<<PriceBits | uint64(scaled.IntPart()), nil
}

// Unpack decodes a packed sample.
func Unpack(packed uint64) (price float64, volume uint64) {
	price = float64(packed&PriceMask) / PriceScale
	volume = packed >> PriceBits
	return price, volume
}

// UnpackSample decodes a packed sample into a model.Sample.
func UnpackSample(packed uint64) model.Sample {
	p, v := Unpack(packed)
	return model.Sample{Price: p, Volume: v}
}

func priceBits(price float64) uint64 {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0
	}
	return uint64(scale(price).IntPart()) & PriceMask
}

// scale returns round(price × 10000). decimal keeps 4-digit inputs exact
// where a float multiply would land on x.9999….
func scale(price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Shift(4).Round(0)
}
