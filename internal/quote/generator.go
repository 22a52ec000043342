// Package quote implements the quote generator: given a book, an inventory
// state, a skew, and feature signals, it synthesizes a geometric quote
// ladder, manages the live-order set with place/amend/cancel/batch
// operations, reacts to execution reports to update inventory accounting,
// and rebalances when inventory exceeds a threshold.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"marketmaker/internal/book"
	"marketmaker/internal/numeric"
	"marketmaker/pkg/types"
)

// Venue is the order-egress contract every exchange client implements.
// Defined here (the consumer) rather than in internal/exchange, so the
// quote generator has no import-time dependency on a concrete venue; the
// two concrete clients (Bybit, Binance) are wired in at construction as a
// closed sum type, never dispatched via reflection.
type Venue interface {
	PlaceLimit(ctx context.Context, side types.Side, qty, price float64, symbol string) (types.LiveOrder, error)
	PlaceMarket(ctx context.Context, side types.Side, qty float64, symbol string) (types.LiveOrder, error)
	Amend(ctx context.Context, orderID string, qty float64, price *float64, symbol string) (types.LiveOrder, error)
	Cancel(ctx context.Context, orderID, symbol string) (types.LiveOrder, error)
	CancelAll(ctx context.Context, symbol string) ([]types.LiveOrder, error)
	BatchPlace(ctx context.Context, orders []types.BatchOrder) ([]types.LiveOrder, error)
	BatchCancel(ctx context.Context, orders []types.LiveOrder, symbol string) ([]types.LiveOrder, error)
	BatchAmend(ctx context.Context, orders []types.LiveOrder, symbol string) ([]types.LiveOrder, error)
	ServerTime(ctx context.Context) (int64, error)
	Fees(ctx context.Context, symbol string) (types.Fees, error)
}

// State is the per-symbol quote generator state, mirroring the QuoteState
// entity of the data model.
type State struct {
	Asset               float64
	Leverage            float64
	MaxPositionUSD      float64
	MaxPositionQty      float64
	BuyAmount           float64
	SellAmount          float64
	PreferredSpreadBps  float64
	TotalOrders         int
	RebalanceRatio      float64
	OutOfBoundsBps      float64

	LiveBuys  []types.LiveOrder
	LiveSells []types.LiveOrder
}

// InventoryDelta is buy_amount - sell_amount.
func (s *State) InventoryDelta() float64 {
	return s.BuyAmount - s.SellAmount
}

// LiveOrderCount returns the number of currently resting orders across both sides.
func (s *State) LiveOrderCount() int {
	return len(s.LiveBuys) + len(s.LiveSells)
}

// Generator drives one symbol's quote state machine.
type Generator struct {
	Symbol string
	State  State
	venue  Venue
	logger *slog.Logger
}

// New creates a Generator for symbol backed by venue, seeded with the
// account's asset balance, leverage, and ladder configuration.
func New(symbol string, venue Venue, logger *slog.Logger, asset, leverage float64, ordersPerSide int, rebalanceRatio, outOfBoundsBps, preferredSpreadBps float64) *Generator {
	return &Generator{
		Symbol: symbol,
		venue:  venue,
		logger: logger.With("component", "quote-generator", "symbol", symbol),
		State: State{
			Asset:              asset,
			Leverage:           leverage,
			TotalOrders:        ordersPerSide * 2,
			RebalanceRatio:     rebalanceRatio,
			OutOfBoundsBps:     outOfBoundsBps,
			PreferredSpreadBps: preferredSpreadBps,
		},
	}
}

// UpdateMax refreshes max_position_usd and max_position_qty for the current
// mid price. Called once per tick before ladder construction.
func (g *Generator) UpdateMax(midPrice float64) {
	s := &g.State
	s.MaxPositionUSD = s.Asset * s.Leverage * 0.95
	if midPrice != 0 {
		s.MaxPositionQty = s.MaxPositionUSD / midPrice
	}
}

// AdjustedSpread clips the book's raw spread to [minSpread, 3.7*minSpread],
// where minSpread is the preferred spread (in price terms) if configured,
// else 25 bps of mid.
func (g *Generator) AdjustedSpread(b *book.Book) float64 {
	mid := b.MidPrice
	minSpread := s25bps(mid)
	if g.State.PreferredSpreadBps != 0 {
		minSpread = g.State.PreferredSpreadBps / 10_000 * mid
	}
	return numeric.Clip(b.GetSpread(), minSpread, 3.7*minSpread)
}

func s25bps(mid float64) float64 {
	return 0.0025 * mid
}

// Aggression computes the ladder's directional bias from the current
// imbalance reading and the caller-supplied inventory skew.
func Aggression(imbalance, skew float64) float64 {
	var d float64
	switch {
	case math.Abs(imbalance) > 0.6:
		d = 0.6
	case imbalance != 0:
		d = 0.23
	default:
		d = 0.1
	}
	return d * numeric.SignedSqrt(skew)
}

// Ladder is the bid/ask price+size arrays produced by GenerateQuotes, before
// they are interleaved into BatchOrders.
type Ladder struct {
	BidPrices []float64
	BidSizes  []float64
	AskPrices []float64
	AskSizes  []float64
}

// GenerateQuotes builds the geometric ladder for one tick. skew is the
// desired inventory-adjustment bias (positive pushes quotes up); imbalance
// and priceFlu are the matching feature-engine readings for this tick.
func (g *Generator) GenerateQuotes(b *book.Book, skew, imbalance, priceFlu float64) Ladder {
	s := &g.State
	adjSpread := g.AdjustedSpread(b)
	aggression := Aggression(imbalance, skew)
	mid := b.MidPrice
	H := adjSpread / 2
	S := adjSpread
	N := s.TotalOrders / 2
	if N < 1 {
		N = 1
	}

	useNegative := !(skew >= 0 && !(imbalance > 0.7 && priceFlu <= -2*S))
	r := 0.5 + numeric.Clip(skew, 0.01, 0.49)

	if !useNegative {
		return g.positiveSkewOrders(mid, H, S, N, r, aggression)
	}
	return g.negativeSkewOrders(mid, H, S, N, r, aggression)
}

// positiveSkewOrders builds the ladder for skew >= 0 (and not the steep
// imbalance/flu carve-out): the ask side carries the r^(2+aggression)
// exponent.
func (g *Generator) positiveSkewOrders(mid, H, S float64, N int, r, aggression float64) Ladder {
	bestBid := mid - H*(1-aggression)
	bestAsk := bestBid + S

	bidPrices := numeric.Geomspace(bestBid, bestBid-5*S, N)
	askPrices := numeric.Geomspace(bestAsk, bestAsk+5*S, N)

	bidWeights := numeric.GeometricWeights(r, N, false)
	askWeights := numeric.GeometricWeights(math.Pow(r, 2+aggression), N, false)

	return Ladder{
		BidPrices: bidPrices,
		BidSizes:  scale(bidWeights, g.State.MaxPositionQty),
		AskPrices: askPrices,
		AskSizes:  scale(askWeights, g.State.MaxPositionQty),
	}
}

// negativeSkewOrders builds the ladder for every other case: end = 3.7*S
// instead of 5*S, starting from best_ask, and the r^(2+aggression) exponent
// applies to the BID weights instead.
func (g *Generator) negativeSkewOrders(mid, H, S float64, N int, r, aggression float64) Ladder {
	bestAsk := mid + H*(1-aggression)
	bestBid := bestAsk - S

	bidPrices := numeric.Geomspace(bestBid, bestBid-3.7*S, N)
	askPrices := numeric.Geomspace(bestAsk, bestAsk+3.7*S, N)

	bidWeights := numeric.GeometricWeights(math.Pow(r, 2+aggression), N, false)
	askWeights := numeric.GeometricWeights(r, N, false)

	return Ladder{
		BidPrices: bidPrices,
		BidSizes:  scale(bidWeights, g.State.MaxPositionQty),
		AskPrices: askPrices,
		AskSizes:  scale(askWeights, g.State.MaxPositionQty),
	}
}

func scale(weights []float64, qty float64) []float64 {
	out := make([]float64, len(weights))
	for i, w := range weights {
		out[i] = w * qty
	}
	return out
}

// RoundLadderToTick rounds every ladder price down to the symbol's tick
// size — the "multiplied by tick_size when applied to prices" step.
func RoundLadderToTick(l *Ladder, tickSize float64) {
	if tickSize <= 0 {
		return
	}
	for i := range l.BidPrices {
		l.BidPrices[i] = numeric.RoundStep(l.BidPrices[i], tickSize)
	}
	for i := range l.AskPrices {
		l.AskPrices[i] = numeric.RoundStep(l.AskPrices[i], tickSize)
	}
}

// ToBatchOrders interleaves the ladder into the alternating buy/sell
// sequence the venue's batch endpoint expects: bid, ask, bid, ask, ... The
// venue is expected to return order_ids in the same order, so the 1st, 3rd,
// 5th... response feeds the buys queue and the rest feed the sells queue.
func (l Ladder) ToBatchOrders(symbol string) []types.BatchOrder {
	n := len(l.BidPrices)
	if len(l.AskPrices) < n {
		n = len(l.AskPrices)
	}
	out := make([]types.BatchOrder, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, types.NewBatchOrder(symbol, types.Buy, l.BidPrices[i], l.BidSizes[i]))
		out = append(out, types.NewBatchOrder(symbol, types.Sell, l.AskPrices[i], l.AskSizes[i]))
	}
	return out
}

// SendOrders submits the ladder as a single batch, then splits the
// acknowledged order_ids back into the buys/sells queues per the
// alternating emission order. Batch failure is all-or-nothing: on error the
// local queues are left untouched.
func (g *Generator) SendOrders(ctx context.Context, ladder Ladder) error {
	batch := ladder.ToBatchOrders(g.Symbol)
	acked, err := g.venue.BatchPlace(ctx, batch)
	if err != nil {
		g.logger.Error("batch place failed", "error", err)
		return fmt.Errorf("%w: %v", numeric.ErrVenueReject, err)
	}
	for i, order := range acked {
		if i%2 == 0 {
			g.State.LiveBuys = append(g.State.LiveBuys, order)
		} else {
			g.State.LiveSells = append(g.State.LiveSells, order)
		}
	}
	return nil
}

// UpdateGrid is the per-tick orchestration entry point: when both live
// queues are empty it generates a fresh ladder and submits it as a batch.
func (g *Generator) UpdateGrid(ctx context.Context, b *book.Book, skew, imbalance, priceFlu float64) error {
	g.UpdateMax(b.MidPrice)

	if len(g.State.LiveBuys) > 0 || len(g.State.LiveSells) > 0 {
		return nil
	}
	ladder := g.GenerateQuotes(b, skew, imbalance, priceFlu)
	RoundLadderToTick(&ladder, b.TickSize)
	return g.SendOrders(ctx, ladder)
}

// CheckForFills matches an execution report against the live buy/sell
// queues and updates inventory accounting on a match.
//
// Corrected per the source's flagged bug: state mutation happens on the
// MATCH branch, not the non-match ("else") arm, and max_position_qty
// decrements (never increments) on a sell fill, since a sell reduces net
// long exposure the same way a buy's decrement reduces capacity to buy more.
func (g *Generator) CheckForFills(report types.ExecReport) {
	s := &g.State

	if idx := findOrder(s.LiveBuys, report.OrderID); idx >= 0 {
		s.LiveBuys = removeAt(s.LiveBuys, idx)
		s.MaxPositionQty -= report.ExecQty
		s.BuyAmount += report.Price * report.ExecQty
		return
	}
	if idx := findOrder(s.LiveSells, report.OrderID); idx >= 0 {
		s.LiveSells = removeAt(s.LiveSells, idx)
		s.MaxPositionQty -= report.ExecQty
		s.SellAmount += report.Price * report.ExecQty
		return
	}
}

func findOrder(orders []types.LiveOrder, orderID string) int {
	for i, o := range orders {
		if o.OrderID == orderID {
			return i
		}
	}
	return -1
}

func removeAt(orders []types.LiveOrder, idx int) []types.LiveOrder {
	return append(orders[:idx:idx], orders[idx+1:]...)
}

// OutOfBounds computes the permitted band around mid and cancels everything
// for the symbol if any resting order has drifted inside it.
//
// Corrected per the source's inconsistent sign convention: cancel when a
// live sell's price drifts BELOW ask_bound or a live buy's price drifts
// ABOVE bid_bound — i.e. when a resting quote has drifted inside the
// permitted band instead of straddling it properly.
func (g *Generator) OutOfBounds(ctx context.Context, b *book.Book) (bool, error) {
	mid := b.MidPrice
	spreadBps := float64(b.GetSpreadInBps())
	offset := 2 * b.TickSize * math.Sqrt(math.Abs(spreadBps))
	bidBound := mid - offset
	askBound := mid + offset

	breached := false
	for _, o := range g.State.LiveBuys {
		if o.Price >= bidBound {
			breached = true
			break
		}
	}
	if !breached {
		for _, o := range g.State.LiveSells {
			if o.Price <= askBound {
				breached = true
				break
			}
		}
	}
	if !breached {
		return false, nil
	}

	if _, err := g.venue.CancelAll(ctx, g.Symbol); err != nil {
		g.logger.Error("cancel_all failed on out-of-bounds breach", "error", err)
		return true, fmt.Errorf("%w: %v", numeric.ErrVenueReject, err)
	}
	g.State.LiveBuys = nil
	g.State.LiveSells = nil
	return true, nil
}

const rebalanceRetries = 8

// RebalanceInventory posts a single offsetting limit order when one side's
// accumulated notional exceeds RebalanceRatio of max_position_usd, retrying
// up to rebalanceRetries times on venue error before giving up.
func (g *Generator) RebalanceInventory(ctx context.Context, b *book.Book) error {
	s := &g.State
	if s.MaxPositionUSD == 0 {
		return nil
	}
	adjSpread := g.AdjustedSpread(b)
	mid := b.MidPrice

	var side types.Side
	var price, qty float64
	switch {
	case s.BuyAmount/s.MaxPositionUSD >= s.RebalanceRatio:
		side = types.Sell
		price = mid + adjSpread
		qty = s.BuyAmount - s.MaxPositionUSD/2
	case s.SellAmount/s.MaxPositionUSD >= s.RebalanceRatio:
		side = types.Buy
		price = mid - adjSpread
		qty = s.SellAmount - s.MaxPositionUSD/2
	default:
		return nil
	}
	if qty <= 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < rebalanceRetries; attempt++ {
		_, err := g.venue.PlaceLimit(ctx, side, qty, price, g.Symbol)
		if err == nil {
			return nil
		}
		lastErr = err
		g.logger.Warn("rebalance attempt failed", "attempt", attempt+1, "error", err)
	}
	g.logger.Warn("rebalance retries exhausted", "side", side, "qty", qty)
	return fmt.Errorf("%w: %v", numeric.ErrRebalanceExhausted, lastErr)
}
