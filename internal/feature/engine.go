// Package feature implements the streaming microstructure feature engine:
// order-book imbalance, volume-order imbalance, trade imbalance, price
// impact, expected value/return, mid-price basis against a volume-weighted
// trade price, and a linear-regression mid-price predictor. Each feature is
// a pure function of a pair of consecutive book snapshots plus the
// interval's trade slice, except the two ring-buffered running means.
package feature

import (
	"marketmaker/internal/book"
	"marketmaker/internal/numeric"
	"marketmaker/pkg/types"
)

const (
	ringCapacity = 1500
	emaWindow    = 20 // smoothing window for the EMA-VOI regression column
	minRegSample = 5  // minimum sliding-window samples before fitting
)

// State is the per-symbol streaming feature state, mirroring the FeatureState
// entity of the data model: the scalar outputs of one tick, plus the two
// bounded ring buffers whose running means are exposed.
type State struct {
	ImbalanceRatio float64
	VOI            float64
	TradeImbalance float64
	PriceImpact    float64
	ExpectedValue  float64 // this tick's value
	MidPriceChange float64
	MidPriceDiff   float64
	MidPriceAvg    float64
	AvgTradePrice  float64
	MidPriceBasis  float64
	PriceFlu       float64
	ExpectedReturn float64
	AvgSpread      float64 // running mean

	EMAVOI            float64 // EMA-smoothed VOI, the regression predictor's 4th feature column
	PredictedMidPrice float64 // MidPriceRegression output; 0 while under-sampled or on singular fit

	expectedValueHist *numeric.Ring
	spreadHist        *numeric.Ring
}

// ExpectedValueMean returns the running mean of the expected-value ring.
func (s *State) ExpectedValueMean() float64 {
	return s.expectedValueHist.Mean()
}

// Engine computes one symbol's feature state each tick.
type Engine struct {
	Symbol  string
	State   State
	prevAvg float64 // prior volume-weighted trade price, carried tick to tick
	depth   int

	voiEMA *numeric.EMA
	window *SlidingWindow
}

// New creates an Engine for symbol, computing imbalance/VOI/impact over the
// given book depth.
func New(symbol string, depth int) *Engine {
	return &Engine{
		Symbol: symbol,
		depth:  depth,
		State: State{
			expectedValueHist: numeric.NewRing(ringCapacity),
			spreadHist:        numeric.NewRing(ringCapacity),
		},
		voiEMA: numeric.NewEMA(emaWindow),
		window: NewSlidingWindow(),
	}
}

// Update computes every feature for one tick, given the current and
// previous book snapshots and the trade slices accumulated since the prior
// tick (currTrades) and the tick before that (prevTrades). It mutates and
// returns the Engine's State.
func (e *Engine) Update(curr, prev book.Snapshot, currTrades, prevTrades []types.Trade) *State {
	s := &e.State

	s.ImbalanceRatio = ImbalanceRatio(curr)
	s.VOI = VOI(curr, prev)
	s.TradeImbalance = TradeImbalance(currTrades)
	s.PriceImpact = PriceImpact(curr, prev)

	s.ExpectedValue = ExpectedValue(s.ImbalanceRatio, curr.MidPrice, prev.MidPrice)
	s.expectedValueHist.Push(s.ExpectedValue)

	s.MidPriceChange = MidPriceChange(curr.MidPrice, prev.MidPrice, curr.TickSize)
	s.MidPriceDiff = MidPriceDiff(curr.MidPrice, prev.MidPrice)
	s.MidPriceAvg = MidPriceAvg(curr.MidPrice, prev.MidPrice)

	s.AvgTradePrice = AvgTradePrice(currTrades, prevTrades, e.prevAvg, curr.MidPrice)
	e.prevAvg = s.AvgTradePrice

	s.MidPriceBasis = MidPriceBasis(s.AvgTradePrice, s.MidPriceAvg)
	s.PriceFlu = PriceFlu(curr.MidPrice, prev.MidPrice)
	s.ExpectedReturn = ExpectedReturn(curr.MidPrice, prev.MidPrice)

	s.spreadHist.Push(curr.Spread)
	s.AvgSpread = s.spreadHist.Mean()

	s.EMAVOI = e.voiEMA.Update(s.VOI)

	e.window.Push(curr.MidPrice, []float64{s.ImbalanceRatio, s.VOI, s.PriceImpact, s.EMAVOI})
	if len(e.window.Y) >= minRegSample {
		if pred, err := MidPriceRegression(e.window.Y, e.window.X, numeric.SpreadPriceInBps(curr.Spread, curr.MidPrice)); err == nil {
			s.PredictedMidPrice = pred
		} else {
			s.PredictedMidPrice = 0
		}
	}

	return s
}
