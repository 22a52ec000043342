package api

import (
	"time"

	"marketmaker/internal/config"
)

// DashboardSnapshot represents the complete dashboard state.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Active (venue, symbol) slots
	Symbols []SymbolStatus `json:"symbols"`

	// Aggregate P&L
	TotalUnrealized float64 `json:"total_unrealized"`

	// Risk status
	Risk RiskSnapshot `json:"risk"`

	// Configuration
	Config ConfigSummary `json:"config"`
}

// SymbolStatus represents per-(venue, symbol) state.
type SymbolStatus struct {
	Venue  string `json:"venue"`
	Symbol string `json:"symbol"`

	// Book state
	MidPrice    float64   `json:"mid_price"`
	BestBid     float64   `json:"best_bid"`
	BestAsk     float64   `json:"best_ask"`
	Spread      float64   `json:"spread"`
	SpreadBps   float64   `json:"spread_bps"`
	LastUpdated time.Time `json:"last_updated"`

	// Feature engine readings
	ImbalanceRatio    float64 `json:"imbalance_ratio"`
	VOI               float64 `json:"voi"`
	EMAVOI            float64 `json:"ema_voi"`
	PredictedMidPrice float64 `json:"predicted_mid_price"`
	PriceFlu          float64 `json:"price_flu"`
	AvgSpread         float64 `json:"avg_spread"`

	// Quote generator state
	LiveBuys       int     `json:"live_buys"`
	LiveSells      int     `json:"live_sells"`
	BuyAmount      float64 `json:"buy_amount"`
	SellAmount     float64 `json:"sell_amount"`
	MaxPositionQty float64 `json:"max_position_qty"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`

	// Recent candles built from the public trade tape, for dashboard charting
	TickCandles   []CandleInfo `json:"tick_candles,omitempty"`
	VolumeCandles []CandleInfo `json:"volume_candles,omitempty"`
}

// CandleInfo is an OHLCV bar, either fixed-count (tick candle) or
// cumulative-volume (volume candle) bucketed.
type CandleInfo struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Threshold float64 `json:"threshold,omitempty"`
}

// RiskSnapshot represents aggregate risk metrics.
type RiskSnapshot struct {
	// Exposure
	GlobalExposure    float64 `json:"global_exposure"`
	MaxGlobalExposure float64 `json:"max_global_exposure"`
	ExposurePct       float64 `json:"exposure_pct"` // % of max

	// Kill switch
	KillSwitchActive bool      `json:"kill_switch_active"`
	KillSwitchUntil  time.Time `json:"kill_switch_until,omitempty"`
	KillSwitchReason string    `json:"kill_switch_reason,omitempty"`

	// P&L tracking
	TotalRealizedPnL   float64 `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`

	// Limits
	MaxPositionPerSymbol float64 `json:"max_position_per_symbol"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxSymbolsActive     int     `json:"max_symbols_active"`
	CurrentSymbolsActive int     `json:"current_symbols_active"`
}

// ConfigSummary represents the ladder/risk configuration driving quoting.
type ConfigSummary struct {
	Exchange string   `json:"exchange"`
	Symbols  []string `json:"symbols"`

	Leverage           float64 `json:"leverage"`
	OrdersPerSide      int     `json:"orders_per_side"`
	RebalanceRatio     float64 `json:"rebalance_ratio"`
	RateLimit          uint32  `json:"rate_limit"`
	PreferredSpreadBps float64 `json:"preferred_spread_bps"`
	OutOfBoundsBps     float64 `json:"out_of_bounds_bps"`

	DryRun bool `json:"dry_run"`
}

// NewConfigSummary creates a config summary from the running config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Exchange:           cfg.Exchange,
		Symbols:            cfg.Symbols,
		Leverage:           cfg.Leverage,
		OrdersPerSide:      cfg.OrdersPerSide,
		RebalanceRatio:     cfg.RebalanceRatio,
		RateLimit:          cfg.RateLimit,
		PreferredSpreadBps: cfg.PreferredSpreadBps,
		OutOfBoundsBps:     cfg.OutOfBoundsBps,
		DryRun:             cfg.DryRun,
	}
}
