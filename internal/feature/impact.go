package feature

import (
	"marketmaker/internal/book"
	"marketmaker/pkg/types"
)

// rawDepthSum sums raw (unweighted) quantities over the given levels.
func rawDepthSum(levels []book.Level) float64 {
	sum := 0.0
	for _, lvl := range levels {
		sum += lvl.Qty
	}
	return sum
}

// impactSide mirrors voiSide's three-way price comparison but sums raw
// quantities instead of exponentially weighted ones.
func impactSide(currBest, prevBest float64, currLevels, prevLevels []book.Level) float64 {
	switch {
	case currBest < prevBest:
		return 0
	case currBest == prevBest:
		return rawDepthSum(currLevels) - rawDepthSum(prevLevels)
	default:
		return rawDepthSum(currLevels)
	}
}

// impactSideAsk mirrors voiSideAsk's three-way price comparison but sums raw
// quantities instead of exponentially weighted ones.
func impactSideAsk(currBest, prevBest float64, currLevels, prevLevels []book.Level) float64 {
	switch {
	case currBest < prevBest:
		return rawDepthSum(currLevels)
	case currBest == prevBest:
		return rawDepthSum(currLevels) - rawDepthSum(prevLevels)
	default:
		return 0
	}
}

// PriceImpact sums the signed bid-side and ask-side impact under the same
// three-way case split as VOI, but over raw (unweighted) depth.
func PriceImpact(curr, prev book.Snapshot) float64 {
	bidImpact := impactSide(curr.BestBid.Price, prev.BestBid.Price, curr.Bids, prev.Bids)
	askImpact := impactSideAsk(curr.BestAsk.Price, prev.BestAsk.Price, curr.Asks, prev.Asks)
	return bidImpact + askImpact
}

// ExpectedValue is |imbalance| * (curr_mid - prev_mid).
func ExpectedValue(imbalance, currMid, prevMid float64) float64 {
	abs := imbalance
	if abs < 0 {
		abs = -abs
	}
	return abs * (currMid - prevMid)
}

// MidPriceChange is (curr_mid - prev_mid) / tick_size.
func MidPriceChange(currMid, prevMid, tickSize float64) float64 {
	if tickSize == 0 {
		return 0
	}
	return (currMid - prevMid) / tickSize
}

// MidPriceDiff is curr_mid - prev_mid.
func MidPriceDiff(currMid, prevMid float64) float64 {
	return currMid - prevMid
}

// MidPriceAvg is (curr_mid + prev_mid) / 2.
func MidPriceAvg(currMid, prevMid float64) float64 {
	return (currMid + prevMid) / 2
}

const tickWindow = 300

// AvgTradePrice is the volume-weighted average price across the union of
// prior and current trade slices, divided by tickWindow. If the prior
// slice's volume equals the current slice's volume, prevAvg is returned
// unchanged. If there are no prior trades, currMid is returned.
func AvgTradePrice(currTrades, prevTrades []types.Trade, prevAvg, currMid float64) float64 {
	if len(prevTrades) == 0 {
		return currMid
	}

	prevVol := tradeVolume(prevTrades)
	currVol := tradeVolume(currTrades)
	if prevVol == currVol {
		return prevAvg
	}

	var weighted float64
	for _, tr := range prevTrades {
		weighted += tr.Price * tr.Volume
	}
	for _, tr := range currTrades {
		weighted += tr.Price * tr.Volume
	}
	return weighted / (prevVol + currVol) / tickWindow
}

func tradeVolume(trades []types.Trade) float64 {
	var sum float64
	for _, tr := range trades {
		sum += tr.Volume
	}
	return sum
}

// MidPriceBasis is avg_trade_price - mid_price_avg. Negative means buyers
// are crossing the mid; positive means sellers are.
func MidPriceBasis(avgTradePrice, midAvg float64) float64 {
	return avgTradePrice - midAvg
}

// PriceFlu is (curr_mid - prev_mid) / prev_mid, the tick return.
func PriceFlu(currMid, prevMid float64) float64 {
	if prevMid == 0 {
		return 0
	}
	return (currMid - prevMid) / prevMid
}

// ExpectedReturn is the same formula as PriceFlu.
func ExpectedReturn(currMid, prevMid float64) float64 {
	return PriceFlu(currMid, prevMid)
}
