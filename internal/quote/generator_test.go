package quote

import (
	"context"
	"log/slog"
	"math"
	"testing"

	"marketmaker/internal/book"
	"marketmaker/pkg/types"
)

type fakeVenue struct {
	batchOrders []types.BatchOrder
	batchResult []types.LiveOrder
	batchErr    error
	cancelErr   error
	placeErr    error
	placeCalls  int
}

func (f *fakeVenue) PlaceLimit(ctx context.Context, side types.Side, qty, price float64, symbol string) (types.LiveOrder, error) {
	f.placeCalls++
	if f.placeErr != nil {
		return types.LiveOrder{}, f.placeErr
	}
	return types.LiveOrder{Price: price, Qty: qty, OrderID: "o1", Side: side}, nil
}
func (f *fakeVenue) PlaceMarket(ctx context.Context, side types.Side, qty float64, symbol string) (types.LiveOrder, error) {
	return types.LiveOrder{}, nil
}
func (f *fakeVenue) Amend(ctx context.Context, orderID string, qty float64, price *float64, symbol string) (types.LiveOrder, error) {
	return types.LiveOrder{}, nil
}
func (f *fakeVenue) Cancel(ctx context.Context, orderID, symbol string) (types.LiveOrder, error) {
	return types.LiveOrder{}, nil
}
func (f *fakeVenue) CancelAll(ctx context.Context, symbol string) ([]types.LiveOrder, error) {
	return nil, f.cancelErr
}
func (f *fakeVenue) BatchPlace(ctx context.Context, orders []types.BatchOrder) ([]types.LiveOrder, error) {
	f.batchOrders = orders
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if f.batchResult != nil {
		return f.batchResult, nil
	}
	out := make([]types.LiveOrder, len(orders))
	for i, o := range orders {
		side := types.Buy
		if o.Side < 0 {
			side = types.Sell
		}
		out[i] = types.LiveOrder{Price: o.Price, Qty: o.Qty, OrderID: "id", Side: side}
	}
	return out, nil
}
func (f *fakeVenue) BatchCancel(ctx context.Context, orders []types.LiveOrder, symbol string) ([]types.LiveOrder, error) {
	return nil, nil
}
func (f *fakeVenue) BatchAmend(ctx context.Context, orders []types.LiveOrder, symbol string) ([]types.LiveOrder, error) {
	return nil, nil
}
func (f *fakeVenue) ServerTime(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeVenue) Fees(ctx context.Context, symbol string) (types.Fees, error) {
	return types.Fees{}, nil
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func newTestBook() *book.Book {
	b := book.New("BTCUSDT", 0.1, 0.001, 10)
	b.UpdateBBA(
		[]types.PriceLevel{{Price: 100, Qty: 5}},
		[]types.PriceLevel{{Price: 101, Qty: 5}},
		1,
	)
	return b
}

func TestGenerateQuotesLadderHasOrdersPerSideLevels(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 4, 0.6, 5, 0)
	b := newTestBook()
	g.UpdateMax(b.MidPrice)

	ladder := g.GenerateQuotes(b, 0.2, 0.3, 0)
	if len(ladder.BidPrices) != 4 || len(ladder.AskPrices) != 4 {
		t.Fatalf("ladder sizes = %d/%d, want 4/4", len(ladder.BidPrices), len(ladder.AskPrices))
	}
	for _, p := range ladder.BidPrices {
		if p <= 0 {
			t.Errorf("bid price %v should be positive", p)
		}
	}
}

func TestGeometricWeightsViaLadderSumToMaxQty(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 4, 0.6, 5, 0)
	b := newTestBook()
	g.UpdateMax(b.MidPrice)

	ladder := g.GenerateQuotes(b, 0.2, 0.3, 0)
	sum := 0.0
	for _, s := range ladder.BidSizes {
		sum += s
	}
	if math.Abs(sum-g.State.MaxPositionQty) > 1e-6 {
		t.Errorf("sum(bid sizes) = %v, want max_position_qty %v", sum, g.State.MaxPositionQty)
	}
}

func TestSendOrdersInterleavesQueues(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 2, 0.6, 5, 0)
	b := newTestBook()
	g.UpdateMax(b.MidPrice)
	ladder := g.GenerateQuotes(b, 0.2, 0.3, 0)
	RoundLadderToTick(&ladder, b.TickSize)

	if err := g.SendOrders(context.Background(), ladder); err != nil {
		t.Fatalf("SendOrders: %v", err)
	}
	if len(g.State.LiveBuys)+len(g.State.LiveSells) > g.State.TotalOrders {
		t.Errorf("live orders = %d, want <= %d", len(g.State.LiveBuys)+len(g.State.LiveSells), g.State.TotalOrders)
	}
	for _, o := range g.State.LiveBuys {
		if o.Side != types.Buy {
			t.Errorf("live buy has side %v", o.Side)
		}
	}
	for _, o := range g.State.LiveSells {
		if o.Side != types.Sell {
			t.Errorf("live sell has side %v", o.Side)
		}
	}
}

func TestBatchPlaceCancelRoundTripLeavesQueuesEmpty(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 2, 0.6, 5, 0)
	b := newTestBook()
	g.UpdateMax(b.MidPrice)
	ladder := g.GenerateQuotes(b, 0.2, 0.3, 0)
	RoundLadderToTick(&ladder, b.TickSize)
	if err := g.SendOrders(context.Background(), ladder); err != nil {
		t.Fatalf("SendOrders: %v", err)
	}

	for _, o := range append(append([]types.LiveOrder{}, g.State.LiveBuys...), g.State.LiveSells...) {
		g.CheckForFills(types.ExecReport{OrderID: o.OrderID, ExecQty: o.Qty, Price: o.Price, Side: o.Side})
	}
	if len(g.State.LiveBuys) != 0 || len(g.State.LiveSells) != 0 {
		t.Errorf("queues not empty after filling every live order: buys=%d sells=%d", len(g.State.LiveBuys), len(g.State.LiveSells))
	}
}

func TestCheckForFillsDecrementsOnSellMatch(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 2, 0.6, 5, 0)
	g.State.MaxPositionQty = 100
	g.State.LiveSells = []types.LiveOrder{{OrderID: "s1", Price: 101, Qty: 2, Side: types.Sell}}

	g.CheckForFills(types.ExecReport{OrderID: "s1", ExecQty: 2, Price: 101, Side: types.Sell})

	if g.State.MaxPositionQty != 98 {
		t.Errorf("MaxPositionQty = %v, want 98 (must decrement on sell fill)", g.State.MaxPositionQty)
	}
	if g.State.SellAmount != 202 {
		t.Errorf("SellAmount = %v, want 202", g.State.SellAmount)
	}
	if len(g.State.LiveSells) != 0 {
		t.Errorf("live sell not removed on match")
	}
}

func TestCheckForFillsDoesNotMutateOnNoMatch(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 2, 0.6, 5, 0)
	g.State.MaxPositionQty = 100
	g.State.LiveBuys = []types.LiveOrder{{OrderID: "b1", Price: 99, Qty: 1, Side: types.Buy}}

	g.CheckForFills(types.ExecReport{OrderID: "unknown", ExecQty: 5, Price: 50, Side: types.Buy})

	if g.State.MaxPositionQty != 100 || g.State.BuyAmount != 0 {
		t.Errorf("state mutated on non-matching exec report: %+v", g.State)
	}
}

func TestOutOfBoundsCancelsWhenBuyDriftsAboveBidBound(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 2, 0.6, 5, 0)
	b := newTestBook() // mid = 100.5

	// Place a buy essentially at the mid — certainly inside any reasonable band.
	g.State.LiveBuys = []types.LiveOrder{{OrderID: "b1", Price: b.MidPrice, Qty: 1, Side: types.Buy}}

	breached, err := g.OutOfBounds(context.Background(), b)
	if err != nil {
		t.Fatalf("OutOfBounds: %v", err)
	}
	if !breached {
		t.Fatalf("expected breach when live buy sits at mid")
	}
	if len(g.State.LiveBuys) != 0 {
		t.Errorf("live buys not cleared after cancel_all")
	}
}

func TestOutOfBoundsNoBreachWhenOrdersOutsideBand(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 2, 0.6, 5, 0)
	b := newTestBook()
	g.State.LiveBuys = []types.LiveOrder{{OrderID: "b1", Price: 50, Qty: 1, Side: types.Buy}}
	g.State.LiveSells = []types.LiveOrder{{OrderID: "s1", Price: 200, Qty: 1, Side: types.Sell}}

	breached, err := g.OutOfBounds(context.Background(), b)
	if err != nil {
		t.Fatalf("OutOfBounds: %v", err)
	}
	if breached {
		t.Errorf("expected no breach for orders far from mid")
	}
}

func TestRebalanceInventoryPostsOffsettingSell(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 2, 0.5, 5, 0)
	b := newTestBook()
	g.UpdateMax(b.MidPrice)
	g.State.BuyAmount = g.State.MaxPositionUSD * 0.9 // well over the 0.5 ratio

	if err := g.RebalanceInventory(context.Background(), b); err != nil {
		t.Fatalf("RebalanceInventory: %v", err)
	}
	if venue.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1", venue.placeCalls)
	}
}

func TestRebalanceInventoryExhaustsRetries(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{placeErr: context.DeadlineExceeded}
	g := New("BTCUSDT", venue, testLogger(), 10_000, 5, 2, 0.5, 5, 0)
	b := newTestBook()
	g.UpdateMax(b.MidPrice)
	g.State.BuyAmount = g.State.MaxPositionUSD * 0.9

	err := g.RebalanceInventory(context.Background(), b)
	if err == nil {
		t.Fatalf("expected ErrRebalanceExhausted")
	}
	if venue.placeCalls != rebalanceRetries {
		t.Errorf("placeCalls = %d, want %d", venue.placeCalls, rebalanceRetries)
	}
}
