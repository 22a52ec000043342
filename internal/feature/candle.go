package feature

import "marketmaker/pkg/types"

// Candle is an OHLCV bar built from the public trade tape. Supplements the
// feature table with the two candle-batching strategies the reference
// implementation builds the linear-regression predictor's feature windows
// from: fixed trade count (TickCandle) and cumulative volume (VolumeCandle).
type Candle struct {
	Open, High, Low, Close float64
	Volume                 float64
	Threshold              float64 // tick count or volume threshold this candle was batched under
}

// TickCandles groups trades into candles of exactly `window` trades each,
// in arrival order. A final partial group (fewer than window trades) still
// forms its own trailing candle.
func TickCandles(trades []types.Trade, window int) []Candle {
	if window <= 0 || len(trades) == 0 {
		return nil
	}
	var out []Candle
	for i := 0; i < len(trades); i += window {
		end := i + window
		if end > len(trades) {
			end = len(trades)
		}
		out = append(out, buildCandle(trades[i:end], float64(window)))
	}
	return out
}

// VolumeCandles groups trades into candles whose cumulative volume reaches
// or exceeds threshold before closing. The final group closes at end of
// input even if it never reaches threshold.
func VolumeCandles(trades []types.Trade, threshold float64) []Candle {
	if threshold <= 0 || len(trades) == 0 {
		return nil
	}
	var out []Candle
	start := 0
	cum := 0.0
	for i, tr := range trades {
		cum += tr.Volume
		if cum >= threshold {
			out = append(out, buildCandle(trades[start:i+1], threshold))
			start = i + 1
			cum = 0
		}
	}
	if start < len(trades) {
		out = append(out, buildCandle(trades[start:], threshold))
	}
	return out
}

func buildCandle(trades []types.Trade, threshold float64) Candle {
	c := Candle{
		Open:      trades[0].Price,
		High:      trades[0].Price,
		Low:       trades[0].Price,
		Close:     trades[len(trades)-1].Price,
		Threshold: threshold,
	}
	for _, tr := range trades {
		if tr.Price > c.High {
			c.High = tr.Price
		}
		if tr.Price < c.Low {
			c.Low = tr.Price
		}
		c.Volume += tr.Volume
	}
	return c
}
