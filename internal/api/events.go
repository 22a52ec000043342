package api

import "time"

// DashboardEvent is the wire envelope for all events pushed to the dashboard
// over the WebSocket stream.
type DashboardEvent struct {
	Type      string      `json:"type"`   // "snapshot", "fill", "order", "kill", "rebalance", "out_of_bounds_cancel"
	Timestamp time.Time   `json:"timestamp"`
	Venue     string      `json:"venue,omitempty"`
	Symbol    string      `json:"symbol,omitempty"` // empty for global events
	Data      interface{} `json:"data"`
}

// FillEvent represents one of our own executions.
type FillEvent struct {
	OrderID string  `json:"order_id"`
	Side    string  `json:"side"` // "BUY" or "SELL"
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
	Fee     float64 `json:"fee"`
}

// OrderEvent represents order placement/cancellation.
type OrderEvent struct {
	OrderID string  `json:"order_id"`
	Status  string  `json:"status"` // "PLACED", "CANCELLED"
	Side    string  `json:"side"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
}

// KillEvent is emitted when the kill switch activates.
type KillEvent struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until,omitempty"` // cooldown expiry
}

// RebalanceEvent is emitted when the quote generator posts an offsetting
// inventory order.
type RebalanceEvent struct {
	Side  string  `json:"side"`
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OutOfBoundsEvent is emitted when a resting quote has drifted inside the
// permitted band and the symbol's orders were cancelled.
type OutOfBoundsEvent struct {
	BidBound float64 `json:"bid_bound"`
	AskBound float64 `json:"ask_bound"`
}

// NewFillEvent creates a fill event from an execution report.
func NewFillEvent(orderID, side string, price, size, fee float64) FillEvent {
	return FillEvent{OrderID: orderID, Side: side, Price: price, Size: size, Fee: fee}
}

// NewKillEvent creates a kill switch event.
func NewKillEvent(reason string, until time.Time) KillEvent {
	return KillEvent{Reason: reason, Until: until}
}
