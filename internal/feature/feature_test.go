package feature

import (
	"math"
	"testing"

	"marketmaker/internal/book"
	"marketmaker/pkg/types"
)

func TestImbalanceRatioClampedBelowGate(t *testing.T) {
	t.Parallel()

	curr := book.Snapshot{
		Bids: []book.Level{{Price: 100, Qty: 50}},
		Asks: []book.Level{{Price: 101, Qty: 52}},
	}
	got := ImbalanceRatio(curr)
	if got != 0 {
		t.Errorf("ImbalanceRatio = %v, want 0 (below 0.20 gate)", got)
	}
}

func TestImbalanceRatioRange(t *testing.T) {
	t.Parallel()

	curr := book.Snapshot{
		Bids: []book.Level{{Price: 100, Qty: 1000}},
		Asks: []book.Level{{Price: 101, Qty: 1}},
	}
	got := ImbalanceRatio(curr)
	if got != 0 && (got < 0.20 || got > 1.0) {
		t.Errorf("ImbalanceRatio = %v, want 0 or in [0.20, 1.0]", got)
	}
}

func TestVOIUsesAskSideOnEqualAskPrice(t *testing.T) {
	t.Parallel()

	// Best ask price unchanged between prev and curr; ask volume must be
	// computed from prev.Asks, not prev.Bids (the flagged source bug).
	prev := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 101},
		Bids:    []book.Level{{Price: 99, Qty: 1000}}, // deliberately large
		Asks:    []book.Level{{Price: 101, Qty: 5}},
	}
	curr := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 101},
		Bids:    []book.Level{{Price: 99, Qty: 1}},
		Asks:    []book.Level{{Price: 101, Qty: 8}},
	}
	got := VOI(curr, prev)
	// bid_v: best bid unchanged -> qCurr(1) - qPrev(1000) = -999
	// ask_v: best ask unchanged -> qCurr(8) - qPrev(5) = 3 (using Asks, not the huge Bids)
	want := -999.0 - 3.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("VOI = %v, want %v (ask side must use prev.Asks)", got, want)
	}
}

func TestVOIFallingAskYieldsCurrentAskVolume(t *testing.T) {
	t.Parallel()

	// Best ask falls from 101 to 100: mirrored ask arm must return the
	// current weighted ask volume, not 0.
	prev := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 101},
		Bids:    []book.Level{{Price: 99, Qty: 5}},
		Asks:    []book.Level{{Price: 101, Qty: 5}},
	}
	curr := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 100},
		Bids:    []book.Level{{Price: 99, Qty: 5}},
		Asks:    []book.Level{{Price: 100, Qty: 7}},
	}
	got := VOI(curr, prev)
	// bid_v: best bid unchanged -> qCurr(5) - qPrev(5) = 0
	// ask_v: best ask fell -> qCurr(weighted asks) since a falling ask mirrors a rising bid
	want := 0.0 - weightedDepthSum(curr.Asks)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("VOI = %v, want %v (falling best ask must yield current ask volume)", got, want)
	}
}

func TestVOIRisingAskYieldsZero(t *testing.T) {
	t.Parallel()

	prev := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 100},
		Bids:    []book.Level{{Price: 99, Qty: 5}},
		Asks:    []book.Level{{Price: 100, Qty: 7}},
	}
	curr := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 101},
		Bids:    []book.Level{{Price: 99, Qty: 5}},
		Asks:    []book.Level{{Price: 101, Qty: 5}},
	}
	got := VOI(curr, prev)
	want := 0.0 // bid_v = 0, ask_v = 0 since a rising best ask mirrors a falling bid
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("VOI = %v, want %v (rising best ask must yield zero)", got, want)
	}
}

func TestPriceImpactMirrorsAskSide(t *testing.T) {
	t.Parallel()

	prev := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 101},
		Bids:    []book.Level{{Price: 99, Qty: 5}},
		Asks:    []book.Level{{Price: 101, Qty: 5}},
	}
	curr := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 100}, // ask fell
		Bids:    []book.Level{{Price: 99, Qty: 5}},
		Asks:    []book.Level{{Price: 100, Qty: 9}},
	}
	got := PriceImpact(curr, prev)
	// bid_v unchanged -> 0; ask fell -> raw ask qty (9), matching VOI's mirroring
	want := 0.0 + 9.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("PriceImpact = %v, want %v (falling best ask must contribute raw ask depth)", got, want)
	}
}

func TestAvgTradePriceIsVolumeWeighted(t *testing.T) {
	t.Parallel()

	prev := []types.Trade{{Price: 100, Volume: 1}}
	curr := []types.Trade{{Price: 200, Volume: 3}}
	got := AvgTradePrice(curr, prev, 0, 150.0)
	// turnover = 100*1 + 200*3 = 700; total volume = 4; vwap = 175; /tickWindow(300)
	want := 175.0 / tickWindow
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("AvgTradePrice = %v, want %v (must divide turnover by total volume, then tickWindow)", got, want)
	}
}

func TestTradeImbalanceNoTrades(t *testing.T) {
	t.Parallel()
	if got := TradeImbalance(nil); got != 0 {
		t.Errorf("TradeImbalance(nil) = %v, want 0", got)
	}
}

func TestTradeImbalance(t *testing.T) {
	t.Parallel()
	trades := []types.Trade{
		{Volume: 3, Side: types.Buy},
		{Volume: 1, Side: types.Sell},
	}
	got := TradeImbalance(trades)
	if math.Abs(got-0.75) > 1e-9 {
		t.Errorf("TradeImbalance = %v, want 0.75", got)
	}
}

func TestAvgTradePriceNoPriorTrades(t *testing.T) {
	t.Parallel()
	got := AvgTradePrice(nil, nil, 0, 123.0)
	if got != 123.0 {
		t.Errorf("AvgTradePrice with no prior trades = %v, want curr_mid 123.0", got)
	}
}

func TestAvgTradePriceEqualVolumeReturnsPrevAvg(t *testing.T) {
	t.Parallel()
	prev := []types.Trade{{Price: 100, Volume: 2}}
	curr := []types.Trade{{Price: 200, Volume: 2}}
	got := AvgTradePrice(curr, prev, 42.0, 150.0)
	if got != 42.0 {
		t.Errorf("AvgTradePrice with equal volumes = %v, want prevAvg 42.0", got)
	}
}

func TestTickCandles(t *testing.T) {
	t.Parallel()

	trades := []types.Trade{
		{Price: 100, Volume: 1}, {Price: 101, Volume: 1}, {Price: 102, Volume: 1},
		{Price: 103, Volume: 1}, {Price: 104, Volume: 1},
	}
	candles := TickCandles(trades, 3)
	if len(candles) != 2 {
		t.Fatalf("len(candles) = %d, want 2", len(candles))
	}
	c0, c1 := candles[0], candles[1]
	if c0.Open != 100 || c0.High != 102 || c0.Low != 100 || c0.Close != 102 || c0.Volume != 3 {
		t.Errorf("candle 0 = %+v, want open=100 high=102 low=100 close=102 vol=3", c0)
	}
	if c1.Open != 103 || c1.High != 104 || c1.Low != 103 || c1.Close != 104 || c1.Volume != 2 {
		t.Errorf("candle 1 = %+v, want open=103 high=104 low=103 close=104 vol=2", c1)
	}
}

func TestVolumeCandles(t *testing.T) {
	t.Parallel()

	trades := []types.Trade{
		{Price: 100, Volume: 1}, {Price: 101, Volume: 1}, {Price: 102, Volume: 2},
		{Price: 103, Volume: 2}, {Price: 104, Volume: 3},
	}
	candles := VolumeCandles(trades, 3)
	if len(candles) != 2 {
		t.Fatalf("len(candles) = %d, want 2", len(candles))
	}
	c0, c1 := candles[0], candles[1]
	if c0.Open != 100 || c0.Close != 102 || c0.High != 102 || c0.Low != 100 {
		t.Errorf("candle 0 = %+v, want open=100 close=102 high=102 low=100", c0)
	}
	if c1.Open != 103 || c1.Close != 104 || c1.High != 104 || c1.Low != 103 || c1.Threshold != 3 {
		t.Errorf("candle 1 = %+v, want open=103 close=104 high=104 low=103 threshold=3", c1)
	}
}

func TestMidPriceRegressionSingularReturnsModelFit(t *testing.T) {
	t.Parallel()

	y := []float64{1, 2, 3}
	x := [][]float64{{1, 2}, {1, 2}, {1, 2}} // collinear columns, singular X^T X
	_, err := MidPriceRegression(y, x, 10)
	if err == nil {
		t.Fatalf("expected ErrModelFit on singular input, got nil")
	}
}

func TestEngineUpdatePopulatesEMAAndPrediction(t *testing.T) {
	t.Parallel()

	eng := New("BTCUSDT", 5)
	prev := book.Snapshot{
		BestBid: types.PriceLevel{Price: 99},
		BestAsk: types.PriceLevel{Price: 101},
		MidPrice: 100,
		Spread:   2,
		Bids:     []book.Level{{Price: 99, Qty: 10}},
		Asks:     []book.Level{{Price: 101, Qty: 10}},
	}

	var s *State
	for i := 0; i < minRegSample+1; i++ {
		curr := book.Snapshot{
			BestBid:  types.PriceLevel{Price: 99},
			BestAsk:  types.PriceLevel{Price: 101},
			MidPrice: 100 + float64(i),
			Spread:   2,
			Bids:     []book.Level{{Price: 99, Qty: float64(10 + i)}},
			Asks:     []book.Level{{Price: 101, Qty: float64(10 + i)}},
		}
		s = eng.Update(curr, prev, nil, nil)
		prev = curr
	}

	if s.EMAVOI == 0 && s.VOI != 0 {
		t.Errorf("EMAVOI = 0 despite non-zero VOI history")
	}
	if len(eng.window.Y) < minRegSample {
		t.Fatalf("sliding window only has %d samples, want >= %d", len(eng.window.Y), minRegSample)
	}
}

func TestMidPriceRegressionFitsSimpleLine(t *testing.T) {
	t.Parallel()

	y := []float64{2, 4, 6, 8}
	x := [][]float64{{1}, {2}, {3}, {4}}
	mean, err := MidPriceRegression(y, x, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantMean := (2.0 + 4.0 + 6.0 + 8.0) / 4.0
	if math.Abs(mean-wantMean) > 1e-6 {
		t.Errorf("MidPriceRegression mean = %v, want ~%v", mean, wantMean)
	}
}
