// Package risk enforces portfolio-level risk limits across all traded
// symbols, as the supervisory watchdog the engine consults before
// QuoteGenerator.UpdateGrid — separate from the quoting-feature inventory
// caps and spread floors the quote generator itself enforces.
//
// The risk manager runs as a standalone goroutine that receives
// PositionReports from each symbol's engine loop and checks them against
// configured limits:
//
//   - Per-symbol exposure:  caps USD notional exposure in any single symbol
//   - Global exposure:      caps total USD notional exposure across all symbols
//   - Daily loss:           triggers kill switch if realized+unrealized PnL exceeds threshold
//   - Rapid price movement: triggers kill switch if mid-price moves more than
//     KillSwitchDropPct within KillSwitchWindowSec seconds
//
// When a limit is breached, the manager emits a KillSignal on KillCh(). The
// engine reads this signal and cancels all orders (globally or per-symbol).
// After a kill, the kill switch stays active for CooldownAfterKill duration,
// during which the engine skips quoting.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Limits holds the configured risk thresholds. Deliberately decoupled from
// internal/config so risk has no import-time dependency on the config
// package's TOML shape — the caller extracts these from its own Config.
type Limits struct {
	MaxPositionPerSymbol float64
	MaxGlobalExposure    float64
	MaxSymbolsActive     int
	KillSwitchDropPct    float64
	KillSwitchWindowSec  int
	MaxDailyLoss         float64
	CooldownAfterKill    time.Duration
}

// PositionReport is sent by each symbol's engine goroutine every quote
// cycle. It contains the current inventory state and PnL for risk
// evaluation.
type PositionReport struct {
	Symbol        string
	InventoryQty  float64 // net signed position (long positive, short negative)
	MidPrice      float64 // current mid price (used for price-movement detection)
	ExposureUSD   float64 // notional position value in USD
	UnrealizedPnL float64 // mark-to-market PnL
	RealizedPnL   float64 // locked-in PnL from closed trades
	Timestamp     time.Time
}

// KillSignal tells the engine to cancel all orders. If Symbol is empty, it
// means cancel across ALL symbols (global kill).
type KillSignal struct {
	Symbol string // empty = kill ALL symbols
	Reason string
}

// priceAnchor stores a reference price at a point in time for detecting
// rapid price movements within a rolling window.
type priceAnchor struct {
	price     float64
	timestamp time.Time
}

// Manager enforces risk limits across all active symbols. It aggregates
// position reports, checks limits, and emits kill signals when breached.
type Manager struct {
	cfg    Limits
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]PositionReport // latest report per symbol
	totalExposure    float64                   // sum of all ExposureUSD
	totalRealizedPnL float64                   // sum of all RealizedPnL
	killSwitchActive bool                      // true while in cooldown
	killSwitchUntil  time.Time                 // when cooldown expires
	priceAnchors     map[string]priceAnchor    // reference prices for movement detection

	reportCh chan PositionReport // engine goroutines write here
	killCh   chan KillSignal     // engine reads kill signals from here
}

// NewManager creates a risk manager.
func NewManager(cfg Limits, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		positions:    make(map[string]PositionReport),
		priceAnchors: make(map[string]priceAnchor),
		reportCh:     make(chan PositionReport, 100),
		killCh:       make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	// Periodic check clears kill switch even when no reports arrive
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report", "symbol", report.Symbol)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// RemoveSymbol cleans up state for a stopped symbol.
func (rm *Manager) RemoveSymbol(symbol string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.positions, symbol)
	delete(rm.priceAnchors, symbol)
	rm.recomputeTotalsLocked()
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// RemainingBudget returns how much additional USD exposure is allowed for
// the given symbol. It takes the minimum of:
//   - per-symbol headroom: MaxPositionPerSymbol − current symbol exposure
//   - global headroom:     MaxGlobalExposure − total exposure across all symbols
//
// Returns 0 if either limit is already exceeded.
func (rm *Manager) RemainingBudget(symbol string) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var currentExposure float64
	if pos, ok := rm.positions[symbol]; ok {
		currentExposure = pos.ExposureUSD
	}

	perSymbol := rm.cfg.MaxPositionPerSymbol - currentExposure
	global := rm.cfg.MaxGlobalExposure - rm.totalExposure

	remaining := perSymbol
	if global < remaining {
		remaining = global
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetRiskSnapshot returns current aggregate risk metrics for the dashboard.
func (rm *Manager) GetRiskSnapshot() RiskSnapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var totalUnrealizedPnL float64
	for _, pos := range rm.positions {
		totalUnrealizedPnL += pos.UnrealizedPnL
	}

	var exposurePct float64
	if rm.cfg.MaxGlobalExposure > 0 {
		exposurePct = (rm.totalExposure / rm.cfg.MaxGlobalExposure) * 100
	}

	var killReason string
	if rm.killSwitchActive {
		killReason = "cooldown"
	}

	return RiskSnapshot{
		GlobalExposure:       rm.totalExposure,
		MaxGlobalExposure:    rm.cfg.MaxGlobalExposure,
		ExposurePct:          exposurePct,
		KillSwitchActive:     rm.killSwitchActive,
		KillSwitchUntil:      rm.killSwitchUntil,
		KillSwitchReason:     killReason,
		TotalRealizedPnL:     rm.totalRealizedPnL,
		TotalUnrealizedPnL:   totalUnrealizedPnL,
		MaxPositionPerSymbol: rm.cfg.MaxPositionPerSymbol,
		MaxDailyLoss:         rm.cfg.MaxDailyLoss,
		MaxSymbolsActive:     rm.cfg.MaxSymbolsActive,
		CurrentSymbolsActive: len(rm.positions),
	}
}

// RiskSnapshot represents aggregate risk metrics for the dashboard.
type RiskSnapshot struct {
	GlobalExposure       float64
	MaxGlobalExposure    float64
	ExposurePct          float64
	KillSwitchActive     bool
	KillSwitchUntil      time.Time
	KillSwitchReason     string
	TotalRealizedPnL     float64
	TotalUnrealizedPnL   float64
	MaxPositionPerSymbol float64
	MaxDailyLoss         float64
	MaxSymbolsActive     int
	CurrentSymbolsActive int
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.positions[report.Symbol] = report
	rm.recomputeTotalsLocked()

	totalUnrealizedPnL := 0.0
	for _, pos := range rm.positions {
		totalUnrealizedPnL += pos.UnrealizedPnL
	}

	// Check per-symbol limit
	if report.ExposureUSD > rm.cfg.MaxPositionPerSymbol {
		rm.emitKill(report.Symbol, "per-symbol position limit breached")
	}

	// Check global limit
	if rm.totalExposure > rm.cfg.MaxGlobalExposure {
		rm.emitKill("", "global exposure limit breached")
	}

	// Check daily loss
	totalPnL := rm.totalRealizedPnL + totalUnrealizedPnL
	if totalPnL < -rm.cfg.MaxDailyLoss {
		rm.emitKill("", "max daily loss breached")
	}

	// Check rapid price movement (kill switch)
	rm.checkPriceMovement(report)
}

func (rm *Manager) recomputeTotalsLocked() {
	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	for _, pos := range rm.positions {
		rm.totalExposure += pos.ExposureUSD
		rm.totalRealizedPnL += pos.RealizedPnL
	}
}

// checkPriceMovement detects rapid price swings using a rolling anchor.
// On each report, it compares mid-price to the anchor set at the start of
// the window. If the anchor is older than KillSwitchWindowSec, it resets.
// If price moved more than KillSwitchDropPct from anchor, kill switch fires.
func (rm *Manager) checkPriceMovement(report PositionReport) {
	window := time.Duration(rm.cfg.KillSwitchWindowSec) * time.Second

	anchor, ok := rm.priceAnchors[report.Symbol]
	if !ok || report.Timestamp.Sub(anchor.timestamp) > window {
		rm.priceAnchors[report.Symbol] = priceAnchor{
			price:     report.MidPrice,
			timestamp: report.Timestamp,
		}
		return
	}

	if anchor.price == 0 {
		return
	}

	pctChange := (report.MidPrice - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}

	if pctChange > rm.cfg.KillSwitchDropPct {
		rm.emitKill(report.Symbol, fmt.Sprintf(
			"rapid price movement: %.1f%% in %ds",
			pctChange*100, rm.cfg.KillSwitchWindowSec,
		))
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and sends
// a KillSignal to the engine. If the kill channel is full, it drains the
// stale signal first to ensure the latest kill reason is always delivered.
func (rm *Manager) emitKill(symbol, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)

	rm.logger.Error("KILL SWITCH",
		"symbol", symbol,
		"reason", reason,
		"cooldown_until", rm.killSwitchUntil,
	)

	sig := KillSignal{Symbol: symbol, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
