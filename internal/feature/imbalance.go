package feature

import (
	"math"

	"marketmaker/internal/book"
	"marketmaker/internal/numeric"
	"marketmaker/pkg/types"
)

// weightedDepthSum sums levels[i].Qty * exp(-i/2) over the given depth
// levels — the canonical decay weight shared by imbalance and microprice.
func weightedDepthSum(levels []book.Level) float64 {
	sum := 0.0
	for i, lvl := range levels {
		sum += lvl.Qty * numeric.CalculateExponent(float64(i))
	}
	return sum
}

// ImbalanceRatio computes (QB-QA)/(QB+QA) over the top-depth levels of
// curr, exponentially weighted. Clamped to zero if |ratio| < 0.20 or NaN.
func ImbalanceRatio(curr book.Snapshot) float64 {
	qb := weightedDepthSum(curr.Bids)
	qa := weightedDepthSum(curr.Asks)
	total := qb + qa
	if total == 0 {
		return 0
	}
	ratio := (qb - qa) / total
	if math.IsNaN(ratio) || math.Abs(ratio) < 0.20 {
		return 0
	}
	return ratio
}

// VOI is the volume-order imbalance: compares the current best price on
// each side with the prior best price, under a three-way case split, and
// returns bid_v - ask_v.
//
// Corrected per the source's flagged bug: the "equal best ask price" branch
// sums prev.Asks, not prev.Bids — the source itself sums prev_book.bids
// there, which silently computes ask volume off the wrong side of the book.
func VOI(curr, prev book.Snapshot) float64 {
	bidV := voiSide(curr.BestBid.Price, prev.BestBid.Price, curr.Bids, prev.Bids)
	askV := voiSideAsk(curr.BestAsk.Price, prev.BestAsk.Price, curr.Asks, prev.Asks)
	return bidV - askV
}

// voiSide implements the bid-side three-way comparison. currBest/prevBest
// are the bid's best price; currLevels/prevLevels are the bid's top-depth
// snapshot, used for the weighted-sum delta in the equal-price case.
func voiSide(currBest, prevBest float64, currLevels, prevLevels []book.Level) float64 {
	switch {
	case currBest < prevBest:
		return 0
	case currBest == prevBest:
		qCurr := weightedDepthSum(currLevels)
		qPrev := weightedDepthSum(prevLevels)
		return qCurr - qPrev
	default: // currBest > prevBest
		return weightedDepthSum(currLevels)
	}
}

// voiSideAsk implements the ask-side three-way comparison, mirrored against
// voiSide: a falling best ask returns the current weighted ask volume (which
// VOI subtracts, i.e. sell pressure), a rising best ask returns 0.
func voiSideAsk(currBest, prevBest float64, currLevels, prevLevels []book.Level) float64 {
	switch {
	case currBest < prevBest:
		return weightedDepthSum(currLevels)
	case currBest == prevBest:
		qCurr := weightedDepthSum(currLevels)
		qPrev := weightedDepthSum(prevLevels)
		return qCurr - qPrev
	default: // currBest > prevBest
		return 0
	}
}

// TradeImbalance is buy_volume / total_volume over the current trade slice;
// 0 if there were no trades.
func TradeImbalance(trades []types.Trade) float64 {
	var buyVol, totalVol float64
	for _, tr := range trades {
		totalVol += tr.Volume
		if tr.Side == types.Buy {
			buyVol += tr.Volume
		}
	}
	if totalVol == 0 {
		return 0
	}
	return buyVol / totalVol
}
