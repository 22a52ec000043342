// Package engine is the central orchestrator of the market-making bot.
//
// It wires together all subsystems:
//
//  1. Engine constructs one venue client + one public market feed per active
//     exchange (bybit, binance, or both), plus a private user feed per venue
//     carrying our own execution reports and wallet snapshots.
//  2. Each (venue, symbol) pair gets a dedicated goroutine (symbolSlot.run)
//     owning a Book (local order book mirror), a feature.Engine, and a
//     quote.Generator.
//  3. Market-data and user-data events are routed from each venue's feed to
//     the correct symbol slot over per-slot channels.
//  4. The risk manager monitors all symbols and can trigger a kill switch.
//  5. A disconnect watchdog drives exit code 3 when every venue feed has
//     been silent for more than 60 seconds.
//
// Lifecycle: New() -> Start() -> [runs until SIGINT or FatalExit] -> Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"marketmaker/internal/api"
	"marketmaker/internal/book"
	"marketmaker/internal/config"
	"marketmaker/internal/exchange"
	"marketmaker/internal/feature"
	"marketmaker/internal/numeric"
	"marketmaker/internal/quote"
	"marketmaker/internal/risk"
	"marketmaker/pkg/types"
)

const (
	disconnectTimeout = 60 * time.Second
	slotChanBuffer    = 256
	tradeBufferCap    = 500  // rolling public-trade window kept for the feature engine
	candleHistoryCap  = 2000 // rolling public-trade window kept for dashboard candle building

	tickCandleWindow   = 50 // trades per tick candle
	volumeCandleThresh = 10 // cumulative volume per volume candle
	candleDisplayCount = 50 // most recent candles returned to the dashboard
)

// venueHandle bundles one active exchange's client and feeds.
type venueHandle struct {
	name       string
	client     quote.Venue
	marketFeed *exchange.Feed
	userFeed   *exchange.Feed

	mu           sync.Mutex
	lastActivity time.Time
}

func (v *venueHandle) touch() {
	v.mu.Lock()
	v.lastActivity = time.Now()
	v.mu.Unlock()
}

func (v *venueHandle) silentFor() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastActivity.IsZero() {
		return 0
	}
	return time.Since(v.lastActivity)
}

// symbolSlot owns one symbol's book/feature/quote state on one venue. Its
// run loop is the only goroutine that ever touches book/feats/quoter, aside
// from the dashboard's snapshot reads (book.Book has its own RWMutex for
// that; feature/quote state is read racily for display purposes only,
// mirroring the teacher's own lightweight dashboard-read tradeoff).
type symbolSlot struct {
	venue  string
	symbol string
	depth  int

	book   *book.Book
	feats  *feature.Engine
	quoter *quote.Generator
	client quote.Venue // for the kill-switch cancel-all path

	ticks  chan types.MarketTick
	trades chan types.TradeTick
	execs  chan types.ExecReport

	flow   *risk.FlowTracker
	logger *slog.Logger

	tradeHistMu  sync.Mutex
	tradeHistory []types.Trade // persistent tape for candle building, never cleared per-tick
}

// addTradeHistory appends a trade to the persistent candle-building tape,
// trimming to candleHistoryCap.
func (s *symbolSlot) addTradeHistory(t types.Trade) {
	s.tradeHistMu.Lock()
	defer s.tradeHistMu.Unlock()
	s.tradeHistory = append(s.tradeHistory, t)
	if len(s.tradeHistory) > candleHistoryCap {
		s.tradeHistory = s.tradeHistory[len(s.tradeHistory)-candleHistoryCap:]
	}
}

// recentCandles returns a copy of the trade tape, safe for candle building
// outside the slot's run goroutine.
func (s *symbolSlot) recentCandles() []types.Trade {
	s.tradeHistMu.Lock()
	defer s.tradeHistMu.Unlock()
	out := make([]types.Trade, len(s.tradeHistory))
	copy(out, s.tradeHistory)
	return out
}

func newSymbolSlot(venue, symbol string, depth int, b *book.Book, feats *feature.Engine, quoter *quote.Generator, client quote.Venue, flow *risk.FlowTracker, logger *slog.Logger) *symbolSlot {
	return &symbolSlot{
		venue:  venue,
		symbol: symbol,
		depth:  depth,
		book:   b,
		feats:  feats,
		quoter: quoter,
		client: client,
		ticks:  make(chan types.MarketTick, slotChanBuffer),
		trades: make(chan types.TradeTick, slotChanBuffer),
		execs:  make(chan types.ExecReport, slotChanBuffer),
		flow:   flow,
		logger: logger,
	}
}

// Engine orchestrates all components of the market-making system.
type Engine struct {
	cfg     config.Config
	riskMgr *risk.Manager
	logger  *slog.Logger

	venues []*venueHandle

	slots   map[string]*symbolSlot // keyed by venue+":"+symbol
	slotsMu sync.RWMutex

	dashboardEvents chan types.DashboardEvent
	fatalExit       chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func slotKey(venue, symbol string) string { return venue + ":" + symbol }

// New creates and wires all engine components: venue clients, feeds, risk
// manager, and one slot per (venue, symbol) pair implied by cfg.Exchange.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	logger = logger.With("component", "engine")

	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("no api_keys configured")
	}
	auth := exchange.NewAuth(cfg.APIKeys[0].Key, cfg.APIKeys[0].Secret)
	limiter := exchange.NewRateLimiter(cfg.RateLimit)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		slots:     make(map[string]*symbolSlot),
		fatalExit: make(chan int, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.Dashboard.Enabled {
		e.dashboardEvents = make(chan types.DashboardEvent, 256)
	}

	totalBalance := sumBalances(cfg.Balances)
	riskLimits := risk.Limits{
		MaxPositionPerSymbol: cfg.Leverage * totalBalance * 0.95,
		MaxGlobalExposure:    cfg.Leverage * totalBalance * 0.95 * float64(len(cfg.Symbols)),
		MaxSymbolsActive:     len(cfg.Symbols),
		KillSwitchDropPct:    4 * cfg.OutOfBoundsBps / 10_000,
		KillSwitchWindowSec:  60,
		MaxDailyLoss:         totalBalance * 0.2,
		CooldownAfterKill:    5 * time.Minute,
	}
	e.riskMgr = risk.NewManager(riskLimits, logger)

	venueNames := activeVenues(cfg.Exchange)
	if len(venueNames) == 0 {
		cancel()
		return nil, fmt.Errorf("exchange must be one of bybit, binance, both (got %q)", cfg.Exchange)
	}

	for _, name := range venueNames {
		vh, err := buildVenue(ctx, name, auth, limiter, cfg, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("construct %s client: %w", name, err)
		}
		e.venues = append(e.venues, vh)

		for i, symbol := range cfg.Symbols {
			params := cfg.SymbolParams[symbol]
			b := book.New(symbol, params.TickSize, params.LotSize, params.MinNotional)

			depth := 10
			if i < len(cfg.Depths) && cfg.Depths[i] > 0 {
				depth = cfg.Depths[i]
			}
			feats := feature.New(symbol, depth)

			asset := cfg.Balances[symbol]
			quoter := quote.New(symbol, vh.client, logger, asset, cfg.Leverage, cfg.OrdersPerSide, cfg.RebalanceRatio, cfg.OutOfBoundsBps, cfg.PreferredSpreadBps)

			flow := risk.NewFlowTracker(60*time.Second, 0.6, 120*time.Second, 3.0)

			slot := newSymbolSlot(name, symbol, depth, b, feats, quoter, vh.client, flow, logger.With("venue", name, "symbol", symbol))
			e.slots[slotKey(name, symbol)] = slot
		}
	}

	return e, nil
}

func sumBalances(balances map[string]float64) float64 {
	var total float64
	for _, v := range balances {
		total += v
	}
	return total
}

// activeVenues maps the "bybit"|"binance"|"both" config knob to the set of
// venue names to construct.
func activeVenues(exchangeName string) []string {
	switch exchangeName {
	case "bybit":
		return []string{"bybit"}
	case "binance":
		return []string{"binance"}
	case "both":
		return []string{"bybit", "binance"}
	default:
		return nil
	}
}

func buildVenue(ctx context.Context, name string, auth *exchange.Auth, limiter *exchange.RateLimiter, cfg config.Config, logger *slog.Logger) (*venueHandle, error) {
	switch name {
	case "bybit":
		client := exchange.NewBybitClient(auth, limiter, cfg.DryRun)
		marketFeed := exchange.NewBybitFeed(cfg.Symbols, logger)
		userFeed := exchange.NewBybitUserFeed(auth, cfg.Symbols, logger)
		return &venueHandle{name: name, client: client, marketFeed: marketFeed, userFeed: userFeed}, nil
	case "binance":
		client := exchange.NewBinanceClient(auth, limiter, cfg.DryRun)
		marketFeed := exchange.NewBinanceFeed(cfg.Symbols, logger)
		userFeed, listenKey, err := client.NewUserFeed(ctx, logger)
		if err != nil {
			return nil, err
		}
		go client.KeepAliveListenKey(ctx, listenKey)
		return &venueHandle{name: name, client: client, marketFeed: marketFeed, userFeed: userFeed}, nil
	default:
		return nil, fmt.Errorf("unknown venue %q", name)
	}
}

// Start launches all background goroutines: feeds, risk manager, event
// dispatchers, per-slot strategy loops, and the disconnect watchdog.
func (e *Engine) Start() error {
	for _, vh := range e.venues {
		vh := vh
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := vh.marketFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market feed stopped", "venue", vh.name, "error", fmt.Errorf("%w: %v", numeric.ErrFeedDisconnect, err))
			}
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := vh.userFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("user feed stopped", "venue", vh.name, "error", fmt.Errorf("%w: %v", numeric.ErrFeedDisconnect, err))
			}
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatchVenue(vh)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskMgr.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchKillSignals()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchDisconnects()
	}()

	e.slotsMu.RLock()
	slots := make([]*symbolSlot, 0, len(e.slots))
	for _, slot := range e.slots {
		slots = append(slots, slot)
	}
	e.slotsMu.RUnlock()

	for _, slot := range slots {
		slot := slot
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runSlot(slot)
		}()
	}

	return nil
}

// Stop gracefully shuts down: cancels the root context, sends a cancel-all
// to every venue as a safety net, waits for goroutines, and closes feeds.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, vh := range e.venues {
		for _, symbol := range e.cfg.Symbols {
			if _, err := vh.client.CancelAll(cancelCtx, symbol); err != nil {
				e.logger.Error("failed to cancel all orders on shutdown", "venue", vh.name, "symbol", symbol, "error", err)
			}
		}
	}
	cancelCancel()

	e.wg.Wait()

	for _, vh := range e.venues {
		vh.marketFeed.Close()
		vh.userFeed.Close()
	}

	e.logger.Info("shutdown complete")
}

// FatalExit signals the process exit code main should use when the engine
// detects a condition it cannot recover from (all venues disconnected).
func (e *Engine) FatalExit() <-chan int {
	return e.fatalExit
}

// watchDisconnects polls every venue's last-activity timestamp; once every
// venue has been silent for more than disconnectTimeout, it signals exit
// code 3.
func (e *Engine) watchDisconnects() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if len(e.venues) == 0 {
				continue
			}
			allDown := true
			for _, vh := range e.venues {
				if vh.silentFor() < disconnectTimeout {
					allDown = false
					break
				}
			}
			if allDown {
				e.logger.Error("all venues disconnected past timeout, exiting", "timeout", disconnectTimeout)
				select {
				case e.fatalExit <- 3:
				default:
				}
				return
			}
		}
	}
}

// dispatchVenue routes one venue's market/user feed events to the correct
// symbol slot's channels.
func (e *Engine) dispatchVenue(vh *venueHandle) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick, ok := <-vh.marketFeed.MarketTicks():
			if !ok {
				return
			}
			vh.touch()
			if slot, found := e.slotFor(vh.name, tick.Symbol); found {
				select {
				case slot.ticks <- tick:
				default:
					slot.logger.Warn("tick channel full, dropping event")
				}
			}
		case tt, ok := <-vh.marketFeed.TradeTicks():
			if !ok {
				return
			}
			vh.touch()
			if slot, found := e.slotFor(vh.name, tt.Symbol); found {
				select {
				case slot.trades <- tt:
				default:
					slot.logger.Warn("trade channel full, dropping event")
				}
			}
		case ex, ok := <-vh.userFeed.ExecReports():
			if !ok {
				return
			}
			vh.touch()
			if slot, found := e.slotFor(vh.name, ex.Symbol); found {
				select {
				case slot.execs <- ex:
				default:
					slot.logger.Warn("exec channel full, dropping event")
				}
			}
		case _, ok := <-vh.userFeed.WalletSnapshots():
			if !ok {
				return
			}
			vh.touch() // wallet balances are informational only; not consumed by quoting logic
		}
	}
}

func (e *Engine) slotFor(venue, symbol string) (*symbolSlot, bool) {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()
	slot, ok := e.slots[slotKey(venue, symbol)]
	return slot, ok
}

// runSlot is the per-(venue,symbol) tick-processing loop: book updates
// recompute features and drive the quote generator; trade ticks buffer into
// the feature engine's trade window; exec reports update inventory
// accounting and toxic-flow detection.
func (e *Engine) runSlot(slot *symbolSlot) {
	prevSnapshot := slot.book.Snapshot(slot.depth)
	var pendingTrades, priorTrades []types.Trade

	for {
		select {
		case <-e.ctx.Done():
			return

		case tick := <-slot.ticks:
			applyTick(slot.book, tick)
			if !slot.book.IsReady() {
				continue
			}

			curr := slot.book.Snapshot(slot.depth)
			state := slot.feats.Update(curr, prevSnapshot, pendingTrades, priorTrades)
			priorTrades = pendingTrades
			pendingTrades = nil
			prevSnapshot = curr

			if e.riskMgr.IsKillSwitchActive() {
				continue
			}

			skew := 0.0
			if slot.quoter.State.MaxPositionUSD != 0 {
				skew = numeric.Clip(slot.quoter.State.InventoryDelta()/slot.quoter.State.MaxPositionUSD, -0.49, 0.49)
			}

			breached, err := slot.quoter.OutOfBounds(e.ctx, slot.book)
			if err != nil {
				slot.logger.Error("out-of-bounds cancel failed", "error", err)
			}
			if breached {
				e.emitDashboardEvent(types.DashboardEvent{
					Type: "out_of_bounds_cancel", Symbol: slot.symbol, Timestamp: time.Now(),
					Detail: map[string]any{"mid": curr.MidPrice},
				})
			}

			if err := slot.quoter.UpdateGrid(e.ctx, slot.book, skew, state.ImbalanceRatio, state.PriceFlu); err != nil {
				slot.logger.Error("update grid failed", "error", err)
			}

			if err := slot.quoter.RebalanceInventory(e.ctx, slot.book); err != nil {
				slot.logger.Error("rebalance failed", "error", err)
			}

			e.riskMgr.Report(risk.PositionReport{
				Symbol:        slot.symbol,
				InventoryQty:  slot.quoter.State.InventoryDelta(),
				MidPrice:      curr.MidPrice,
				ExposureUSD:   math.Abs(slot.quoter.State.InventoryDelta()),
				UnrealizedPnL: 0, // mark-to-market P&L needs an avg-entry model the ladder-based state does not track
				RealizedPnL:   0,
				Timestamp:     time.Now(),
			})

		case tt := <-slot.trades:
			trade := types.Trade{
				Timestamp: tt.TsMs,
				Price:     tt.Price,
				Volume:    tt.Volume,
				Side:      tt.Side,
			}
			pendingTrades = append(pendingTrades, trade)
			if len(pendingTrades) > tradeBufferCap {
				pendingTrades = pendingTrades[len(pendingTrades)-tradeBufferCap:]
			}
			slot.addTradeHistory(trade)

		case ex := <-slot.execs:
			slot.quoter.CheckForFills(ex)
			slot.flow.AddFill(risk.Fill{
				Symbol:    slot.symbol,
				Side:      ex.Side,
				Price:     ex.Price,
				Size:      ex.ExecQty,
				TradeID:   ex.OrderID,
				Timestamp: time.Now(),
			})
			e.emitDashboardEvent(types.DashboardEvent{
				Type: "fill", Symbol: slot.symbol, Timestamp: time.Now(),
				Detail: map[string]any{"fill": api.NewFillEvent(ex.OrderID, string(ex.Side), ex.Price, ex.ExecQty, ex.Fee)},
			})
		}
	}
}

// applyTick absorbs one normalized market tick into the book, choosing the
// update path by book kind and (for top-of-book diffs) by venue, since
// Binance's book-ticker batches are internally consistent in a way Bybit's
// per-level diffs are not.
func applyTick(b *book.Book, tick types.MarketTick) {
	switch tick.Kind {
	case types.FullDepth:
		b.Update(tick.Bids, tick.Asks, tick.TsMs)
	case types.TopOfBook:
		if tick.Venue == "binance" {
			b.UpdateBinanceBBA(tick.Bids, tick.Asks, tick.TsMs)
		} else {
			b.UpdateBBA(tick.Bids, tick.Asks, tick.TsMs)
		}
	}
}

// watchKillSignals cancels a symbol's (or every symbol's) live orders when
// the risk manager emits a kill signal.
func (e *Engine) watchKillSignals() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case kill := <-e.riskMgr.KillCh():
			e.handleKillSignal(kill)
		}
	}
}

func (e *Engine) handleKillSignal(kill risk.KillSignal) {
	e.logger.Error("KILL SIGNAL received", "symbol", kill.Symbol, "reason", kill.Reason)

	e.emitDashboardEvent(types.DashboardEvent{
		Type: "kill", Symbol: kill.Symbol, Timestamp: time.Now(),
		Detail: map[string]any{"kill": api.NewKillEvent(kill.Reason, time.Now().Add(5*time.Minute))},
	})

	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for key, slot := range e.slots {
		if kill.Symbol != "" && slot.symbol != kill.Symbol {
			continue
		}
		if _, err := slot.client.CancelAll(cancelCtx, slot.symbol); err != nil {
			e.logger.Error("failed to cancel all on kill signal", "slot", key, "error", err)
		}
		slot.quoter.State.LiveBuys = nil
		slot.quoter.State.LiveSells = nil
	}
}

// DashboardEvents returns the dashboard event channel (nil if disabled).
func (e *Engine) DashboardEvents() <-chan types.DashboardEvent {
	return e.dashboardEvents
}

// GetRiskManager returns the risk manager for dashboard access.
func (e *Engine) GetRiskManager() *risk.Manager {
	return e.riskMgr
}

// emitDashboardEvent sends an event to the dashboard (non-blocking, no-op
// when the dashboard is disabled).
func (e *Engine) emitDashboardEvent(evt types.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}
	select {
	case e.dashboardEvents <- evt:
	default:
	}
}

// GetSymbolsSnapshot returns the current state of every active symbol slot,
// for the dashboard.
func (e *Engine) GetSymbolsSnapshot() []api.SymbolStatus {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	result := make([]api.SymbolStatus, 0, len(e.slots))
	for _, slot := range e.slots {
		snap := slot.book.Snapshot(0)
		st := &slot.feats.State
		q := &slot.quoter.State

		result = append(result, api.SymbolStatus{
			Venue:             slot.venue,
			Symbol:            slot.symbol,
			MidPrice:          snap.MidPrice,
			BestBid:           snap.BestBid.Price,
			BestAsk:           snap.BestAsk.Price,
			Spread:            snap.Spread,
			SpreadBps:         float64(slot.book.GetSpreadInBps()),
			LastUpdated:       time.UnixMilli(snap.LastUpdate),
			ImbalanceRatio:    st.ImbalanceRatio,
			VOI:               st.VOI,
			EMAVOI:            st.EMAVOI,
			PredictedMidPrice: st.PredictedMidPrice,
			PriceFlu:          st.PriceFlu,
			AvgSpread:         st.AvgSpread,
			LiveBuys:          len(q.LiveBuys),
			LiveSells:         len(q.LiveSells),
			BuyAmount:         q.BuyAmount,
			SellAmount:        q.SellAmount,
			MaxPositionQty:    q.MaxPositionQty,
			UnrealizedPnL:     0,
			TickCandles:       recentCandleInfos(feature.TickCandles(slot.recentCandles(), tickCandleWindow)),
			VolumeCandles:     recentCandleInfos(feature.VolumeCandles(slot.recentCandles(), volumeCandleThresh)),
		})
	}
	return result
}

// recentCandleInfos converts the most recent candleDisplayCount candles to
// the dashboard's wire shape.
func recentCandleInfos(candles []feature.Candle) []api.CandleInfo {
	if len(candles) > candleDisplayCount {
		candles = candles[len(candles)-candleDisplayCount:]
	}
	out := make([]api.CandleInfo, len(candles))
	for i, c := range candles {
		out[i] = api.CandleInfo{
			Open: c.Open, High: c.High, Low: c.Low, Close: c.Close,
			Volume: c.Volume, Threshold: c.Threshold,
		}
	}
	return out
}
