package risk

import (
	"testing"
	"time"

	"marketmaker/pkg/types"
)

func TestFlowTracker_NoFills(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	metrics := ft.CalculateToxicity()

	if metrics.ToxicityScore != 0 {
		t.Errorf("expected toxicity score 0 with no fills, got %f", metrics.ToxicityScore)
	}
	if metrics.IsAverse {
		t.Error("expected IsAverse to be false with no fills")
	}

	multiplier := ft.GetSpreadMultiplier()
	if multiplier != 1.0 {
		t.Errorf("expected spread multiplier 1.0 with no fills, got %f", multiplier)
	}
}

func TestFlowTracker_DirectionalImbalance(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	now := time.Now()
	for i := 0; i < 5; i++ {
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Side:      types.Buy,
			Symbol:    "BTCUSDT",
			Price:     50_000,
			Size:      0.1,
			TradeID:   string(rune('A' + i)),
		})
	}

	metrics := ft.CalculateToxicity()

	if metrics.DirectionalImbalance != 1.0 {
		t.Errorf("expected directional imbalance 1.0, got %f", metrics.DirectionalImbalance)
	}
	if metrics.ToxicityScore <= 0.6 {
		t.Errorf("expected toxicity score >0.6 with 100%% imbalance, got %f", metrics.ToxicityScore)
	}
	if !metrics.IsAverse {
		t.Error("expected IsAverse to be true with 100% directional imbalance")
	}
}

func TestFlowTracker_BalancedFills(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	now := time.Now()
	for i := 0; i < 10; i++ {
		side := types.Buy
		if i%2 == 1 {
			side = types.Sell
		}
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Side:      side,
			Symbol:    "BTCUSDT",
			Price:     50_000,
			Size:      0.1,
			TradeID:   string(rune('A' + i)),
		})
	}

	metrics := ft.CalculateToxicity()

	if metrics.DirectionalImbalance != 0.5 {
		t.Errorf("expected directional imbalance 0.5, got %f", metrics.DirectionalImbalance)
	}
	expectedAverse := metrics.ToxicityScore > 0.6
	if metrics.IsAverse != expectedAverse {
		t.Errorf("IsAverse mismatch: score=%f, threshold=0.6, IsAverse=%v", metrics.ToxicityScore, metrics.IsAverse)
	}
}

func TestFlowTracker_FillVelocity(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	now := time.Now()
	for i := 0; i < 10; i++ {
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * 500 * time.Millisecond),
			Side:      types.Buy,
			Symbol:    "BTCUSDT",
			Price:     50_000,
			Size:      0.1,
			TradeID:   string(rune('A' + i)),
		})
	}

	metrics := ft.CalculateToxicity()

	if metrics.FillVelocity <= 0 {
		t.Errorf("expected positive fill velocity, got %f", metrics.FillVelocity)
	}
	if metrics.ToxicityScore <= 0.6 {
		t.Errorf("expected high toxicity score with rapid directional fills, got %f", metrics.ToxicityScore)
	}
}

func TestFlowTracker_SpreadMultiplier(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

	if m := ft.GetSpreadMultiplier(); m != 1.0 {
		t.Errorf("expected initial multiplier 1.0, got %f", m)
	}

	now := time.Now()
	for i := 0; i < 5; i++ {
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Side:      types.Sell,
			Symbol:    "BTCUSDT",
			Price:     50_000,
			Size:      0.1,
			TradeID:   string(rune('A' + i)),
		})
	}

	multiplier := ft.GetSpreadMultiplier()
	if multiplier <= 1.0 {
		t.Errorf("expected multiplier >1.0 after toxic fills, got %f", multiplier)
	}
	if multiplier > 3.0 {
		t.Errorf("expected multiplier <=3.0 (max), got %f", multiplier)
	}
}

func TestFlowTracker_CooldownPeriod(t *testing.T) {
	ft := NewFlowTracker(1*time.Second, 0.6, 2*time.Second, 3.0)

	now := time.Now()
	for i := 0; i < 5; i++ {
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * 100 * time.Millisecond),
			Side:      types.Buy,
			Symbol:    "BTCUSDT",
			Price:     50_000,
			Size:      0.1,
			TradeID:   string(rune('A' + i)),
		})
	}

	if !ft.IsFlowToxic() {
		t.Error("expected toxic flow")
	}

	m1 := ft.GetSpreadMultiplier()
	if m1 <= 1.0 {
		t.Errorf("expected widened spread during toxicity, got %f", m1)
	}

	time.Sleep(1500 * time.Millisecond)

	m2 := ft.GetSpreadMultiplier()
	if m2 <= 1.0 {
		t.Errorf("expected some widening during cooldown, got %f", m2)
	}

	time.Sleep(1 * time.Second)

	m3 := ft.GetSpreadMultiplier()
	if m3 != 1.0 {
		t.Errorf("expected multiplier 1.0 after cooldown expires, got %f", m3)
	}
}

func TestFlowTracker_WindowEviction(t *testing.T) {
	ft := NewFlowTracker(2*time.Second, 0.6, 5*time.Second, 3.0)

	oldTime := time.Now().Add(-10 * time.Second)
	for i := 0; i < 3; i++ {
		ft.AddFill(Fill{
			Timestamp: oldTime.Add(time.Duration(i) * 100 * time.Millisecond),
			Side:      types.Buy,
			Symbol:    "BTCUSDT",
			Price:     50_000,
			Size:      0.1,
			TradeID:   string(rune('A' + i)),
		})
	}

	ft.CalculateToxicity()

	count := ft.GetFillCount()
	if count != 0 {
		t.Errorf("expected 0 fills after eviction, got %d", count)
	}

	ft.AddFill(Fill{
		Timestamp: time.Now(),
		Side:      types.Sell,
		Symbol:    "BTCUSDT",
		Price:     50_000,
		Size:      0.1,
		TradeID:   "fresh",
	})

	count = ft.GetFillCount()
	if count != 1 {
		t.Errorf("expected 1 fill after adding fresh fill, got %d", count)
	}
}

func TestFlowTracker_Threshold(t *testing.T) {
	ft := NewFlowTracker(60*time.Second, 0.99, 120*time.Second, 3.0)

	now := time.Now()
	for i := 0; i < 4; i++ {
		ft.AddFill(Fill{
			Timestamp: now.Add(time.Duration(i) * 2 * time.Second),
			Side:      types.Buy,
			Symbol:    "BTCUSDT",
			Price:     50_000,
			Size:      0.1,
			TradeID:   string(rune('A' + i)),
		})
	}
	ft.AddFill(Fill{
		Timestamp: now.Add(10 * time.Second),
		Side:      types.Sell,
		Symbol:    "BTCUSDT",
		Price:     50_000,
		Size:      0.1,
		TradeID:   "Z",
	})

	metrics := ft.CalculateToxicity()

	if metrics.DirectionalImbalance != 0.8 {
		t.Errorf("expected directional imbalance 0.8 (4/5), got %f", metrics.DirectionalImbalance)
	}
	if metrics.IsAverse {
		t.Errorf("expected not adverse with high threshold (0.99), got toxicity score %f", metrics.ToxicityScore)
	}

	multiplier := ft.GetSpreadMultiplier()
	if multiplier != 1.0 {
		t.Errorf("expected no widening when not adverse, got multiplier %f", multiplier)
	}
}
