package api

import (
	"time"

	"marketmaker/internal/config"
	"marketmaker/internal/risk"
)

// MarketSnapshotProvider provides read-only snapshot access to engine state.
type MarketSnapshotProvider interface {
	GetSymbolsSnapshot() []SymbolStatus
	GetRiskManager() *risk.Manager
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot.
func BuildSnapshot(provider MarketSnapshotProvider, cfg config.Config) DashboardSnapshot {
	symbols := provider.GetSymbolsSnapshot()

	riskMgr := provider.GetRiskManager()
	riskSnap := riskMgr.GetRiskSnapshot()

	var totalUnrealized float64
	for _, s := range symbols {
		totalUnrealized += s.UnrealizedPnL
	}

	return DashboardSnapshot{
		Timestamp:       time.Now(),
		Symbols:         symbols,
		TotalUnrealized: totalUnrealized,
		Risk:            convertRiskSnapshot(riskSnap),
		Config:          NewConfigSummary(cfg),
	}
}

// convertRiskSnapshot converts the internal risk snapshot to API format.
func convertRiskSnapshot(snap risk.RiskSnapshot) RiskSnapshot {
	return RiskSnapshot{
		GlobalExposure:       snap.GlobalExposure,
		MaxGlobalExposure:    snap.MaxGlobalExposure,
		ExposurePct:          snap.ExposurePct,
		KillSwitchActive:     snap.KillSwitchActive,
		KillSwitchUntil:      snap.KillSwitchUntil,
		KillSwitchReason:     snap.KillSwitchReason,
		TotalRealizedPnL:     snap.TotalRealizedPnL,
		TotalUnrealizedPnL:   snap.TotalUnrealizedPnL,
		MaxPositionPerSymbol: snap.MaxPositionPerSymbol,
		MaxDailyLoss:         snap.MaxDailyLoss,
		MaxSymbolsActive:     snap.MaxSymbolsActive,
		CurrentSymbolsActive: snap.CurrentSymbolsActive,
	}
}
