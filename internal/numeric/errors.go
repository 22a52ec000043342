package numeric

import "errors"

// Error taxonomy shared across the book, feature, and quote packages.
var (
	// ErrStaleUpdate marks a book/feature update whose timestamp did not
	// advance past the last applied one. Always dropped silently by callers.
	ErrStaleUpdate = errors.New("numeric: stale update")

	// ErrModelFit marks a singular linear-regression normal-equation solve.
	// The predictor returns 0 when this occurs.
	ErrModelFit = errors.New("numeric: regression model fit failed (singular)")

	// ErrRebalanceExhausted marks a rebalance that used up its retry budget
	// without a successful venue acknowledgement.
	ErrRebalanceExhausted = errors.New("numeric: rebalance retries exhausted")

	// ErrVenueReject wraps a venue-side order rejection.
	ErrVenueReject = errors.New("numeric: venue rejected order")

	// ErrConfigInvalid marks a fatal configuration validation failure.
	ErrConfigInvalid = errors.New("numeric: invalid configuration")

	// ErrFeedDisconnect marks a venue feed disconnection that triggers
	// reconnect-with-backoff.
	ErrFeedDisconnect = errors.New("numeric: feed disconnected")
)
