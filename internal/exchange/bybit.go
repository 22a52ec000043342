// bybit.go implements the quote.Venue contract against Bybit's v5 unified
// REST API for linear (USDT-margined) perpetuals, plus the Decoder and
// SubscribeBuilder pair that drives a Feed against Bybit's public/private
// WebSocket streams.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"marketmaker/internal/numeric"
	"marketmaker/pkg/types"
)

const bybitBaseURL = "https://api.bybit.com"

// BybitClient implements quote.Venue for Bybit's linear-perpetual category.
type BybitClient struct {
	http    *resty.Client
	auth    *Auth
	limiter *RateLimiter
	dryRun  bool
}

// NewBybitClient builds a REST client for Bybit, sharing the given
// rate limiter across every call it makes.
func NewBybitClient(auth *Auth, limiter *RateLimiter, dryRun bool) *BybitClient {
	http := resty.New().
		SetBaseURL(bybitBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &BybitClient{http: http, auth: auth, limiter: limiter, dryRun: dryRun}
}

func (c *BybitClient) signedRequest(ctx context.Context) *resty.Request {
	ts := Timestamp()
	recvWindow := "5000"
	sig := c.auth.Sign(ts + c.auth.APIKey() + recvWindow)
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", c.auth.APIKey()).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", recvWindow).
		SetHeader("X-BAPI-SIGN", sig)
}

type bybitResp struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func (c *BybitClient) rejectIfError(resp *resty.Response, body bybitResp, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", numeric.ErrVenueReject, err)
	}
	if resp.IsError() || body.RetCode != 0 {
		return fmt.Errorf("%w: bybit retCode=%d msg=%s", numeric.ErrVenueReject, body.RetCode, body.RetMsg)
	}
	return nil
}

func bybitSide(side types.Side) string {
	if side == types.Sell {
		return "Sell"
	}
	return "Buy"
}

func fmtQty(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// PlaceLimit posts a single post-only limit order.
func (c *BybitClient) PlaceLimit(ctx context.Context, side types.Side, qty, price float64, symbol string) (types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.LiveOrder{}, err
	}
	if c.dryRun {
		return types.LiveOrder{Price: price, Qty: qty, OrderID: dryRunOrderID(), Side: side}, nil
	}

	body := map[string]any{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitSide(side),
		"orderType":   "Limit",
		"qty":         fmtQty(qty),
		"price":       fmtQty(price),
		"timeInForce": "PostOnly",
	}
	var out bybitResp
	resp, err := c.signedRequest(ctx).SetBody(body).SetResult(&out).Post("/v5/order/create")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return types.LiveOrder{}, e
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	json.Unmarshal(out.Result, &result)
	return types.LiveOrder{Price: price, Qty: qty, OrderID: result.OrderID, Side: side}, nil
}

// PlaceMarket posts a single market order.
func (c *BybitClient) PlaceMarket(ctx context.Context, side types.Side, qty float64, symbol string) (types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.LiveOrder{}, err
	}
	if c.dryRun {
		return types.LiveOrder{Qty: qty, OrderID: dryRunOrderID(), Side: side}, nil
	}

	body := map[string]any{
		"category":  "linear",
		"symbol":    symbol,
		"side":      bybitSide(side),
		"orderType": "Market",
		"qty":       fmtQty(qty),
	}
	var out bybitResp
	resp, err := c.signedRequest(ctx).SetBody(body).SetResult(&out).Post("/v5/order/create")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return types.LiveOrder{}, e
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	json.Unmarshal(out.Result, &result)
	return types.LiveOrder{Qty: qty, OrderID: result.OrderID, Side: side}, nil
}

// Amend changes the quantity and (optionally) the price of a resting order.
func (c *BybitClient) Amend(ctx context.Context, orderID string, qty float64, price *float64, symbol string) (types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.LiveOrder{}, err
	}
	if c.dryRun {
		lo := types.LiveOrder{Qty: qty, OrderID: orderID}
		if price != nil {
			lo.Price = *price
		}
		return lo, nil
	}

	body := map[string]any{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
		"qty":      fmtQty(qty),
	}
	if price != nil {
		body["price"] = fmtQty(*price)
	}
	var out bybitResp
	resp, err := c.signedRequest(ctx).SetBody(body).SetResult(&out).Post("/v5/order/amend")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return types.LiveOrder{}, e
	}
	lo := types.LiveOrder{Qty: qty, OrderID: orderID}
	if price != nil {
		lo.Price = *price
	}
	return lo, nil
}

// Cancel cancels a single resting order.
func (c *BybitClient) Cancel(ctx context.Context, orderID, symbol string) (types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.LiveOrder{}, err
	}
	if c.dryRun {
		return types.LiveOrder{OrderID: orderID}, nil
	}

	body := map[string]any{"category": "linear", "symbol": symbol, "orderId": orderID}
	var out bybitResp
	resp, err := c.signedRequest(ctx).SetBody(body).SetResult(&out).Post("/v5/order/cancel")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return types.LiveOrder{}, e
	}
	return types.LiveOrder{OrderID: orderID}, nil
}

// CancelAll cancels every resting order for symbol.
func (c *BybitClient) CancelAll(ctx context.Context, symbol string) ([]types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.dryRun {
		return nil, nil
	}

	body := map[string]any{"category": "linear", "symbol": symbol}
	var out bybitResp
	resp, err := c.signedRequest(ctx).SetBody(body).SetResult(&out).Post("/v5/order/cancel-all")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return nil, e
	}
	var result struct {
		List []struct {
			OrderID string `json:"orderId"`
		} `json:"list"`
	}
	json.Unmarshal(out.Result, &result)
	cancelled := make([]types.LiveOrder, len(result.List))
	for i, o := range result.List {
		cancelled[i] = types.LiveOrder{OrderID: o.OrderID}
	}
	return cancelled, nil
}

// BatchPlace posts up to 10 orders in one request, per Bybit's
// create-batch-order limit on the linear category.
func (c *BybitClient) BatchPlace(ctx context.Context, orders []types.BatchOrder) ([]types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.dryRun {
		out := make([]types.LiveOrder, len(orders))
		for i, o := range orders {
			side := types.Buy
			if o.Side < 0 {
				side = types.Sell
			}
			out[i] = types.LiveOrder{Price: o.Price, Qty: o.Qty, OrderID: dryRunOrderID(), Side: side}
		}
		return out, nil
	}

	const maxBatch = 10
	all := make([]types.LiveOrder, 0, len(orders))
	for start := 0; start < len(orders); start += maxBatch {
		end := start + maxBatch
		if end > len(orders) {
			end = len(orders)
		}
		chunk, err := c.batchPlaceChunk(ctx, orders[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
	return all, nil
}

func (c *BybitClient) batchPlaceChunk(ctx context.Context, orders []types.BatchOrder) ([]types.LiveOrder, error) {
	requests := make([]map[string]any, len(orders))
	for i, o := range orders {
		side := "Buy"
		if o.Side < 0 {
			side = "Sell"
		}
		requests[i] = map[string]any{
			"symbol":      o.Symbol,
			"side":        side,
			"orderType":   "Limit",
			"qty":         fmtQty(o.Qty),
			"price":       fmtQty(o.Price),
			"timeInForce": "PostOnly",
		}
	}
	body := map[string]any{"category": "linear", "request": requests}

	var out bybitResp
	resp, err := c.signedRequest(ctx).SetBody(body).SetResult(&out).Post("/v5/order/create-batch")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return nil, e
	}
	var result struct {
		List []struct {
			OrderID string `json:"orderId"`
		} `json:"list"`
	}
	json.Unmarshal(out.Result, &result)

	acked := make([]types.LiveOrder, len(orders))
	for i, o := range orders {
		side := types.Buy
		if o.Side < 0 {
			side = types.Sell
		}
		id := ""
		if i < len(result.List) {
			id = result.List[i].OrderID
		}
		acked[i] = types.LiveOrder{Price: o.Price, Qty: o.Qty, OrderID: id, Side: side}
	}
	return acked, nil
}

// BatchCancel cancels a set of resting orders in one request.
func (c *BybitClient) BatchCancel(ctx context.Context, orders []types.LiveOrder, symbol string) ([]types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.dryRun || len(orders) == 0 {
		return orders, nil
	}

	requests := make([]map[string]any, len(orders))
	for i, o := range orders {
		requests[i] = map[string]any{"symbol": symbol, "orderId": o.OrderID}
	}
	body := map[string]any{"category": "linear", "request": requests}

	var out bybitResp
	resp, err := c.signedRequest(ctx).SetBody(body).SetResult(&out).Post("/v5/order/cancel-batch")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return nil, e
	}
	return orders, nil
}

// BatchAmend amends a set of resting orders in one request.
func (c *BybitClient) BatchAmend(ctx context.Context, orders []types.LiveOrder, symbol string) ([]types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.dryRun || len(orders) == 0 {
		return orders, nil
	}

	requests := make([]map[string]any, len(orders))
	for i, o := range orders {
		requests[i] = map[string]any{"symbol": symbol, "orderId": o.OrderID, "qty": fmtQty(o.Qty), "price": fmtQty(o.Price)}
	}
	body := map[string]any{"category": "linear", "request": requests}

	var out bybitResp
	resp, err := c.signedRequest(ctx).SetBody(body).SetResult(&out).Post("/v5/order/amend-batch")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return nil, e
	}
	return orders, nil
}

// ServerTime returns Bybit's server clock in unix milliseconds.
func (c *BybitClient) ServerTime(ctx context.Context) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	var out bybitResp
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/v5/market/time")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return 0, e
	}
	var result struct {
		TimeNano string `json:"timeNano"`
	}
	json.Unmarshal(out.Result, &result)
	return out.Time, nil
}

// Fees returns the maker/taker fee schedule for symbol.
func (c *BybitClient) Fees(ctx context.Context, symbol string) (types.Fees, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.Fees{}, err
	}
	var out bybitResp
	resp, err := c.signedRequest(ctx).
		SetQueryParams(map[string]string{"category": "linear", "symbol": symbol}).
		SetResult(&out).
		Get("/v5/account/fee-rate")
	if e := c.rejectIfError(resp, out, err); e != nil {
		return types.Fees{}, e
	}
	var result struct {
		List []struct {
			MakerFeeRate string `json:"makerFeeRate"`
			TakerFeeRate string `json:"takerFeeRate"`
		} `json:"list"`
	}
	json.Unmarshal(out.Result, &result)
	if len(result.List) == 0 {
		return types.Fees{}, nil
	}
	maker, _ := strconv.ParseFloat(result.List[0].MakerFeeRate, 64)
	taker, _ := strconv.ParseFloat(result.List[0].TakerFeeRate, 64)
	return types.Fees{MakerBps: maker * 10_000, TakerBps: taker * 10_000}, nil
}

func dryRunOrderID() string {
	return fmt.Sprintf("dry-%d", time.Now().UnixNano())
}

// ---------------------------------------------------------------------------
// WebSocket decoding
// ---------------------------------------------------------------------------

const bybitPublicWSURL = "wss://stream.bybit.com/v5/public/linear"

// BybitSubscribeBuilder returns the subscribe frame for Bybit's public
// linear orderbook and trade topics.
func BybitSubscribeBuilder(symbols []string) any {
	args := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		args = append(args, "orderbook.50."+s, "publicTrade."+s)
	}
	return map[string]any{"op": "subscribe", "args": args}
}

// BybitPingBuilder returns Bybit's app-level ping frame.
func BybitPingBuilder() any {
	return map[string]any{"op": "ping"}
}

type bybitWSEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitOrderbookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

type bybitTradeData struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Size   string `json:"v"`
	Side   string `json:"S"`
	Ts     int64  `json:"T"`
}

// BybitDecode decodes one raw frame from the public linear stream into
// normalized market/trade events.
func BybitDecode(data []byte) ([]types.MarketTick, []types.TradeTick, []types.ExecReport, []types.WalletSnapshot) {
	var env bybitWSEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Topic == "" {
		return nil, nil, nil, nil
	}

	switch {
	case len(env.Topic) > 10 && env.Topic[:10] == "orderbook.":
		var d bybitOrderbookData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, nil, nil, nil
		}
		kind := types.TopOfBook
		if env.Type == "snapshot" {
			kind = types.FullDepth
		}
		return []types.MarketTick{{
			Venue:  "bybit",
			Symbol: d.Symbol,
			Bids:   bybitLevels(d.Bids),
			Asks:   bybitLevels(d.Asks),
			TsMs:   env.Ts,
			Kind:   kind,
		}}, nil, nil, nil

	case len(env.Topic) > 12 && env.Topic[:12] == "publicTrade.":
		var trades []bybitTradeData
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return nil, nil, nil, nil
		}
		out := make([]types.TradeTick, 0, len(trades))
		for _, t := range trades {
			price, _ := strconv.ParseFloat(t.Price, 64)
			size, _ := strconv.ParseFloat(t.Size, 64)
			side := types.Buy
			if t.Side == "Sell" {
				side = types.Sell
			}
			out = append(out, types.TradeTick{Venue: "bybit", Symbol: t.Symbol, TsMs: t.Ts, Price: price, Volume: size, Side: side})
		}
		return nil, out, nil, nil
	}
	return nil, nil, nil, nil
}

// NewBybitFeed builds the reconnecting public market-data feed for the given
// symbols against Bybit's linear-perpetual orderbook/trade topics.
func NewBybitFeed(symbols []string, logger *slog.Logger) *Feed {
	return NewFeed("bybit", bybitPublicWSURL, symbols, BybitDecode, nil, BybitSubscribeBuilder, BybitPingBuilder, logger)
}

const bybitPrivateWSURL = "wss://stream.bybit.com/v5/private"

// NewBybitUserFeed builds the reconnecting private feed that carries our own
// execution reports and wallet balance updates.
func NewBybitUserFeed(auth *Auth, symbols []string, logger *slog.Logger) *Feed {
	return NewFeed("bybit", bybitPrivateWSURL, symbols, BybitPrivateDecode, bybitAuthBuilder(auth), bybitPrivateSubscribeBuilder, BybitPingBuilder, logger)
}

// bybitAuthBuilder signs the "GET/realtime" + expires preimage, the scheme
// Bybit's v5 private WebSocket login expects.
func bybitAuthBuilder(auth *Auth) AuthBuilder {
	return func() any {
		expires := time.Now().Add(5 * time.Second).UnixMilli()
		sig := auth.Sign(fmt.Sprintf("GET/realtime%d", expires))
		return map[string]any{"op": "auth", "args": []any{auth.APIKey(), expires, sig}}
	}
}

func bybitPrivateSubscribeBuilder(_ []string) any {
	return map[string]any{"op": "subscribe", "args": []string{"execution", "wallet"}}
}

type bybitExecutionData struct {
	Symbol    string `json:"symbol"`
	OrderID   string `json:"orderId"`
	Side      string `json:"side"`
	ExecPrice string `json:"execPrice"`
	ExecQty   string `json:"execQty"`
	ExecFee   string `json:"execFee"`
}

type bybitWalletCoinData struct {
	Coin       string `json:"coin"`
	WalletBal  string `json:"walletBalance"`
}

type bybitWalletData struct {
	Coin []bybitWalletCoinData `json:"coin"`
}

// BybitPrivateDecode decodes one raw frame from the private stream
// (execution reports, wallet balance snapshots) into normalized events.
func BybitPrivateDecode(data []byte) ([]types.MarketTick, []types.TradeTick, []types.ExecReport, []types.WalletSnapshot) {
	var env bybitWSEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Topic == "" {
		return nil, nil, nil, nil
	}

	switch env.Topic {
	case "execution":
		var execs []bybitExecutionData
		if err := json.Unmarshal(env.Data, &execs); err != nil {
			return nil, nil, nil, nil
		}
		out := make([]types.ExecReport, 0, len(execs))
		for _, e := range execs {
			price, _ := strconv.ParseFloat(e.ExecPrice, 64)
			qty, _ := strconv.ParseFloat(e.ExecQty, 64)
			fee, _ := strconv.ParseFloat(e.ExecFee, 64)
			side := types.Buy
			if e.Side == "Sell" {
				side = types.Sell
			}
			out = append(out, types.ExecReport{OrderID: e.OrderID, Symbol: e.Symbol, ExecQty: qty, Side: side, Price: price, Fee: fee})
		}
		return nil, nil, out, nil

	case "wallet":
		var wallets []bybitWalletData
		if err := json.Unmarshal(env.Data, &wallets); err != nil {
			return nil, nil, nil, nil
		}
		out := make([]types.WalletSnapshot, 0, len(wallets))
		for _, w := range wallets {
			balances := make(map[string]float64, len(w.Coin))
			for _, c := range w.Coin {
				bal, _ := strconv.ParseFloat(c.WalletBal, 64)
				balances[c.Coin] = bal
			}
			out = append(out, types.WalletSnapshot{Balances: balances})
		}
		return nil, nil, nil, out
	}
	return nil, nil, nil, nil
}

func bybitLevels(raw [][]string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		price, _ := strconv.ParseFloat(lvl[0], 64)
		qty, _ := strconv.ParseFloat(lvl[1], 64)
		out = append(out, types.PriceLevel{Price: price, Qty: qty})
	}
	return out
}
