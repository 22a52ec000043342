// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides, book
// levels, normalized market/private data events, and live/batch order
// shapes. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or trade: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// BookKind distinguishes the two depth-update encodings a venue may send.
type BookKind string

const (
	FullDepth BookKind = "full_depth"
	TopOfBook BookKind = "top_of_book"
)

// ————————————————————————————————————————————————————————————————————————
// Order book primitives
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single (price, quantity) tuple. Qty == 0 on an update means
// "remove this level".
type PriceLevel struct {
	Price float64
	Qty   float64
}

// Trade is one public trade print from the venue's trade tape.
type Trade struct {
	Timestamp int64 // unix ms
	Price     float64
	Volume    float64
	Side      Side
}

// ————————————————————————————————————————————————————————————————————————
// Normalized market-data ingress
// ————————————————————————————————————————————————————————————————————————

// MarketTick is a normalized order-book diff from a venue's market-data
// WebSocket, already translated out of the venue's own wire format.
type MarketTick struct {
	Venue  string
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
	TsMs   int64
	Kind   BookKind
}

// TradeTick is a normalized public trade print.
type TradeTick struct {
	Venue  string
	Symbol string
	TsMs   int64
	Price  float64
	Volume float64
	Side   Side
}

// ————————————————————————————————————————————————————————————————————————
// Normalized private-data ingress
// ————————————————————————————————————————————————————————————————————————

// ExecReport is a normalized execution report for one of our own orders.
type ExecReport struct {
	OrderID string
	Symbol  string
	ExecQty float64
	Side    Side
	Price   float64
	Fee     float64
}

// WalletSnapshot is a periodic balance update keyed by asset.
type WalletSnapshot struct {
	Balances map[string]float64
}

// ————————————————————————————————————————————————————————————————————————
// Order egress
// ————————————————————————————————————————————————————————————————————————

// LiveOrder is a resting quote the venue has acknowledged (or a pending one
// awaiting acknowledgement, in which case OrderID is empty).
type LiveOrder struct {
	Price   float64
	Qty     float64
	OrderID string
	Side    Side
}

// BatchOrder is a pending quote intent destined for a venue's batch-place
// endpoint. Side is signed (+1 buy, -1 sell) to match the source ladder's
// convention of emitting an alternating buy/sell sequence.
type BatchOrder struct {
	Qty    float64
	Price  float64
	Symbol string
	Side   int8 // +1 buy, -1 sell
}

// NewBatchOrder builds a BatchOrder from a types.Side.
func NewBatchOrder(symbol string, side Side, price, qty float64) BatchOrder {
	s := int8(1)
	if side == Sell {
		s = -1
	}
	return BatchOrder{Qty: qty, Price: price, Symbol: symbol, Side: s}
}

// Fees is the maker/taker fee schedule for a symbol, in basis points.
type Fees struct {
	MakerBps float64
	TakerBps float64
}

// ————————————————————————————————————————————————————————————————————————
// Configuration-adjacent shared shapes
// ————————————————————————————————————————————————————————————————————————

// APIKeySet is one venue/label credential pair, as read from config.
type APIKeySet struct {
	Key    string
	Secret string
	Label  string
}

// DashboardEvent is an operational event surfaced to the read-only
// dashboard — not part of the quoting domain, but shared between the
// engine and the api package so neither imports the other's internals.
type DashboardEvent struct {
	Type      string // "fill" | "kill" | "out_of_bounds_cancel"
	Symbol    string
	Timestamp time.Time
	Detail    map[string]any
}
