// Package book implements the local order book (LOB): a price-ordered,
// incrementally maintained depth-of-book with bit-exact update semantics and
// the derived statistics the feature engine and quote generator consume
// (mid, microprice, weighted mid, spread in bps, weighted depth).
package book

import (
	"math"
	"sync"

	"marketmaker/pkg/types"
)

// Book is a single symbol's local order book. Each symbol's Book is owned
// exclusively by the engine goroutine that consumes its market-data channel
// (see internal/engine); the RWMutex exists only so the read-only dashboard
// snapshot path (a different goroutine) can take a consistent read without
// coordinating through a channel, mirroring the teacher's own book guard.
type Book struct {
	mu sync.RWMutex

	Symbol     string
	bids       *side
	asks       *side
	bestBid    types.PriceLevel
	bestAsk    types.PriceLevel
	MidPrice   float64
	TickSize   float64
	LotSize    float64
	MinNotional float64
	LastUpdate int64 // ms
}

// New creates an empty Book for symbol with the given venue tick/lot/min
// notional parameters.
func New(symbol string, tickSize, lotSize, minNotional float64) *Book {
	return &Book{
		Symbol:      symbol,
		bids:        newSide(true),
		asks:        newSide(false),
		TickSize:    tickSize,
		LotSize:     lotSize,
		MinNotional: minNotional,
	}
}

func applyLevels(s *side, levels []types.PriceLevel) {
	for _, lvl := range levels {
		s.set(lvl.Price, lvl.Qty)
	}
}

// Update absorbs a full-depth diff. If ts == LastUpdate it is a no-op
// (duplicate). Every incoming level overwrites (or inserts) the stored qty
// at that price; after all writes, zero-qty levels are removed. Does NOT
// recompute best_bid/best_ask/mid — callers that only need raw depth use
// this cheaper path.
func (b *Book) Update(bids, asks []types.PriceLevel, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ts == b.LastUpdate {
		return
	}
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.bids.removeZeros()
	b.asks.removeZeros()
	b.LastUpdate = ts
}

// UpdateBBA absorbs a top-of-book diff. If ts <= LastUpdate it is a no-op.
// Levels are written as in Update; then top-of-book consistency is
// enforced per-level: after a bid write at price p, every stored bid with
// price > p is dropped, and symmetrically for asks. Best bid/ask/mid are
// recomputed.
func (b *Book) UpdateBBA(bids, asks []types.PriceLevel, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ts <= b.LastUpdate {
		return
	}
	for _, lvl := range bids {
		b.bids.set(lvl.Price, lvl.Qty)
		b.bids.dropAbove(lvl.Price)
	}
	for _, lvl := range asks {
		b.asks.set(lvl.Price, lvl.Qty)
		b.asks.dropBelow(lvl.Price)
	}
	b.bids.removeZeros()
	b.asks.removeZeros()
	b.recomputeBBA(ts)
}

// UpdateBinanceBBA is the same contract as UpdateBBA, except the crossing
// protection uses the single highest bid price observed in this batch (not
// each bid individually) and the single lowest ask price in the batch —
// Binance's book-ticker stream guarantees each batch is internally
// consistent, so per-level dropping would be redundant and order-sensitive.
func (b *Book) UpdateBinanceBBA(bids, asks []types.PriceLevel, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ts <= b.LastUpdate {
		return
	}
	highestBid := math.Inf(-1)
	for _, lvl := range bids {
		b.bids.set(lvl.Price, lvl.Qty)
		if lvl.Price > highestBid {
			highestBid = lvl.Price
		}
	}
	if !math.IsInf(highestBid, -1) {
		b.bids.dropAbove(highestBid)
	}
	lowestAsk := math.Inf(1)
	for _, lvl := range asks {
		b.asks.set(lvl.Price, lvl.Qty)
		if lvl.Price < lowestAsk {
			lowestAsk = lvl.Price
		}
	}
	if !math.IsInf(lowestAsk, 1) {
		b.asks.dropBelow(lowestAsk)
	}
	b.bids.removeZeros()
	b.asks.removeZeros()
	b.recomputeBBA(ts)
}

// recomputeBBA must be called with mu held.
func (b *Book) recomputeBBA(ts int64) {
	bp, bq := b.bids.best()
	ap, aq := b.asks.best()
	b.bestBid = types.PriceLevel{Price: bp, Qty: bq}
	b.bestAsk = types.PriceLevel{Price: ap, Qty: aq}
	if bp != 0 && ap != 0 {
		b.MidPrice = (bp + ap) / 2
	}
	b.LastUpdate = ts
}

// BestBidAsk returns the current best bid and best ask levels.
func (b *Book) BestBidAsk() (bid, ask types.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestBid, b.bestAsk
}

// GetBookDepth returns the top n asks (descending price, so the level
// closest to mid is last) and the top n bids (descending price, closest to
// mid first).
func (b *Book) GetBookDepth(n int) (asks, bids []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	askTop := b.asks.top(n) // ascending already (asks side sorts ascending)
	// reverse so the closest-to-mid ask is last
	for i, j := 0, len(askTop)-1; i < j; i, j = i+1, j-1 {
		askTop[i], askTop[j] = askTop[j], askTop[i]
	}
	bidTop := b.bids.top(n) // descending already, closest-to-mid first
	return askTop, bidTop
}

// GetWmid returns the imbalance-weighted mid price. If imb == 0 it returns
// MidPrice unchanged.
func (b *Book) GetWmid(imb float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if imb == 0 {
		return b.MidPrice
	}
	return b.bestBid.Price*(1-imb) + b.bestAsk.Price*imb
}

// GetMicroprice returns the liquidity-weighted fair price. With no depth
// argument it uses only the best-level quantities; with depth > 0 it uses
// the exponentially-weighted sum of the top-depth levels on each side
// (weight at index i is exp(-i/2)).
func (b *Book) GetMicroprice(depth int) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var qb, qa float64
	if depth <= 0 {
		qb, qa = b.bestBid.Qty, b.bestAsk.Qty
	} else {
		for i, lvl := range b.bids.top(depth) {
			qb += lvl.Qty * math.Exp(-float64(i)/2)
		}
		for i, lvl := range b.asks.top(depth) {
			qa += lvl.Qty * math.Exp(-float64(i)/2)
		}
	}
	total := qb + qa
	if total == 0 {
		return b.MidPrice
	}
	return (qb/total)*b.bestAsk.Price + (qa/total)*b.bestBid.Price
}

// GetSpread returns best_ask - best_bid.
func (b *Book) GetSpread() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestAsk.Price - b.bestBid.Price
}

// GetSpreadInBps returns spread / mid * 10_000, truncated toward zero to an
// integer.
func (b *Book) GetSpreadInBps() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.MidPrice == 0 {
		return 0
	}
	spread := b.bestAsk.Price - b.bestBid.Price
	return int64(spread / b.MidPrice * 10_000)
}

// EffectiveSpread returns best_bid - mid (negative) if isBuy, else
// mid - best_ask (negative) — both represent adverse price vs mid.
func (b *Book) EffectiveSpread(isBuy bool) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if isBuy {
		return b.bestBid.Price - b.MidPrice
	}
	return b.MidPrice - b.bestAsk.Price
}

// IsReady reports whether the book has seen at least one update and has
// both sides populated — the gate downstream consumers must check before
// trusting MidPrice.
func (b *Book) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.LastUpdate != 0 && b.bids.len() > 0 && b.asks.len() > 0
}

// Snapshot is an immutable point-in-time copy used by the feature engine,
// which needs curr/prev book pairs that don't shift under it mid-tick.
type Snapshot struct {
	Symbol     string
	BestBid    types.PriceLevel
	BestAsk    types.PriceLevel
	MidPrice   float64
	TickSize   float64
	Spread     float64
	LastUpdate int64
	Bids       []Level // top-depth snapshot, descending
	Asks       []Level // top-depth snapshot, ascending
}

// Snapshot captures the book's current state, including the top depth
// levels on each side, for use as a frozen curr/prev pair in feature
// computation.
func (b *Book) Snapshot(depth int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Snapshot{
		Symbol:     b.Symbol,
		BestBid:    b.bestBid,
		BestAsk:    b.bestAsk,
		MidPrice:   b.MidPrice,
		TickSize:   b.TickSize,
		Spread:     b.bestAsk.Price - b.bestBid.Price,
		LastUpdate: b.LastUpdate,
		Bids:       b.bids.top(depth),
		Asks:       b.asks.top(depth),
	}
}
