// binance.go implements the quote.Venue contract against Binance USDⓈ-M
// Futures' REST API, plus the Decoder and SubscribeBuilder pair that drives
// a Feed against Binance's combined-stream WebSocket.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"marketmaker/internal/numeric"
	"marketmaker/pkg/types"
)

const binanceBaseURL = "https://fapi.binance.com"

// BinanceClient implements quote.Venue for Binance USDⓈ-M futures.
type BinanceClient struct {
	http    *resty.Client
	auth    *Auth
	limiter *RateLimiter
	dryRun  bool
}

// NewBinanceClient builds a REST client for Binance futures, sharing the
// given rate limiter across every call it makes.
func NewBinanceClient(auth *Auth, limiter *RateLimiter, dryRun bool) *BinanceClient {
	http := resty.New().
		SetBaseURL(binanceBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &BinanceClient{http: http, auth: auth, limiter: limiter, dryRun: dryRun}
}

// signedQuery builds Binance's query-string signing convention: every
// parameter (including timestamp) is URL-encoded, joined with '&', and the
// whole string is HMAC-SHA256 signed with the secret; the signature is
// appended as one more query parameter.
func (c *BinanceClient) signedQuery(params map[string]string) string {
	params["timestamp"] = Timestamp()
	params["recvWindow"] = "5000"

	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	qs := v.Encode()
	sig := c.auth.Sign(qs)
	return qs + "&signature=" + sig
}

func (c *BinanceClient) signedRequest(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", c.auth.APIKey())
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *BinanceClient) rejectIfError(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", numeric.ErrVenueReject, err)
	}
	if resp.IsError() {
		var e binanceError
		json.Unmarshal(resp.Body(), &e)
		return fmt.Errorf("%w: binance code=%d msg=%s", numeric.ErrVenueReject, e.Code, e.Msg)
	}
	return nil
}

func binanceSide(side types.Side) string {
	if side == types.Sell {
		return "SELL"
	}
	return "BUY"
}

type binanceOrderResp struct {
	OrderID int64 `json:"orderId"`
}

// PlaceLimit posts a single post-only (GTX) limit order.
func (c *BinanceClient) PlaceLimit(ctx context.Context, side types.Side, qty, price float64, symbol string) (types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.LiveOrder{}, err
	}
	if c.dryRun {
		return types.LiveOrder{Price: price, Qty: qty, OrderID: dryRunOrderID(), Side: side}, nil
	}

	qs := c.signedQuery(map[string]string{
		"symbol":      symbol,
		"side":        binanceSide(side),
		"type":        "LIMIT",
		"timeInForce": "GTX",
		"quantity":    fmtQty(qty),
		"price":       fmtQty(price),
	})
	var out binanceOrderResp
	resp, err := c.signedRequest(ctx).SetResult(&out).Post("/fapi/v1/order?" + qs)
	if e := c.rejectIfError(resp, err); e != nil {
		return types.LiveOrder{}, e
	}
	return types.LiveOrder{Price: price, Qty: qty, OrderID: strconv.FormatInt(out.OrderID, 10), Side: side}, nil
}

// PlaceMarket posts a single market order.
func (c *BinanceClient) PlaceMarket(ctx context.Context, side types.Side, qty float64, symbol string) (types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.LiveOrder{}, err
	}
	if c.dryRun {
		return types.LiveOrder{Qty: qty, OrderID: dryRunOrderID(), Side: side}, nil
	}

	qs := c.signedQuery(map[string]string{
		"symbol":   symbol,
		"side":     binanceSide(side),
		"type":     "MARKET",
		"quantity": fmtQty(qty),
	})
	var out binanceOrderResp
	resp, err := c.signedRequest(ctx).SetResult(&out).Post("/fapi/v1/order?" + qs)
	if e := c.rejectIfError(resp, err); e != nil {
		return types.LiveOrder{}, e
	}
	return types.LiveOrder{Qty: qty, OrderID: strconv.FormatInt(out.OrderID, 10), Side: side}, nil
}

// Amend cancels and replaces, since USDⓈ-M futures has no native amend for
// quantity+price together prior to the cancel-replace endpoint; this uses
// that endpoint directly.
func (c *BinanceClient) Amend(ctx context.Context, orderID string, qty float64, price *float64, symbol string) (types.LiveOrder, error) {
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

	params := map[string]string{
		"symbol":            symbol,
		"orderId":           orderID,
		"side":              "BUY",
		"quantity":          fmtQty(qty),
		"cancelReplaceMode": "STOP_ON_FAILURE",
		"type":              "LIMIT",
		"timeInForce":       "GTX",
	}
	if price != nil {
		params["price"] = fmtQty(*price)
	}
	qs := c.signedQuery(params)
	var out struct {
		NewOrderResponse binanceOrderResp `json:"newOrderResponse"`
	}
	resp, err := c.signedRequest(ctx).SetResult(&out).Post("/fapi/v1/order/cancelReplace?" + qs)
	if e := c.rejectIfError(resp, err); e != nil {
		return types.LiveOrder{}, e
	}
	lo := types.LiveOrder{Qty: qty, OrderID: strconv.FormatInt(out.NewOrderResponse.OrderID, 10)}
	if price != nil {
		lo.Price = *price
	}
	return lo, nil
}

// Cancel cancels a single resting order.
func (c *BinanceClient) Cancel(ctx context.Context, orderID, symbol string) (types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.LiveOrder{}, err
	}
	if c.dryRun {
		return types.LiveOrder{OrderID: orderID}, nil
	}

	qs := c.signedQuery(map[string]string{"symbol": symbol, "orderId": orderID})
	resp, err := c.signedRequest(ctx).Delete("/fapi/v1/order?" + qs)
	if e := c.rejectIfError(resp, err); e != nil {
		return types.LiveOrder{}, e
	}
	return types.LiveOrder{OrderID: orderID}, nil
}

// CancelAll cancels every resting order for symbol.
func (c *BinanceClient) CancelAll(ctx context.Context, symbol string) ([]types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.dryRun {
		return nil, nil
	}

	qs := c.signedQuery(map[string]string{"symbol": symbol})
	resp, err := c.signedRequest(ctx).Delete("/fapi/v1/allOpenOrders?" + qs)
	if e := c.rejectIfError(resp, err); e != nil {
		return nil, e
	}
	return nil, nil
}

// BatchPlace posts up to 5 orders per request, Binance futures' batch limit.
func (c *BinanceClient) BatchPlace(ctx context.Context, orders []types.BatchOrder) ([]types.LiveOrder, error) {
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

	const maxBatch = 5
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

func (c *BinanceClient) batchPlaceChunk(ctx context.Context, orders []types.BatchOrder) ([]types.LiveOrder, error) {
	reqs := make([]map[string]string, len(orders))
	for i, o := range orders {
		side := "BUY"
		if o.Side < 0 {
			side = "SELL"
		}
		reqs[i] = map[string]string{
			"symbol":      o.Symbol,
			"side":        side,
			"type":        "LIMIT",
			"timeInForce": "GTX",
			"quantity":    fmtQty(o.Qty),
			"price":       fmtQty(o.Price),
		}
	}
	payload, _ := json.Marshal(reqs)
	qs := c.signedQuery(map[string]string{"batchOrders": string(payload)})

	var out []binanceOrderResp
	resp, err := c.signedRequest(ctx).SetResult(&out).Post("/fapi/v1/batchOrders?" + qs)
	if e := c.rejectIfError(resp, err); e != nil {
		return nil, e
	}

	acked := make([]types.LiveOrder, len(orders))
	for i, o := range orders {
		side := types.Buy
		if o.Side < 0 {
			side = types.Sell
		}
		id := ""
		if i < len(out) {
			id = strconv.FormatInt(out[i].OrderID, 10)
		}
		acked[i] = types.LiveOrder{Price: o.Price, Qty: o.Qty, OrderID: id, Side: side}
	}
	return acked, nil
}

// BatchCancel cancels a set of resting orders in one request.
func (c *BinanceClient) BatchCancel(ctx context.Context, orders []types.LiveOrder, symbol string) ([]types.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.dryRun || len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.OrderID
	}
	idList, _ := json.Marshal(ids)
	qs := c.signedQuery(map[string]string{"symbol": symbol, "orderIdList": string(idList)})
	resp, err := c.signedRequest(ctx).Delete("/fapi/v1/batchOrders?" + qs)
	if e := c.rejectIfError(resp, err); e != nil {
		return nil, e
	}
	return orders, nil
}

// BatchAmend cancel-replaces each order sequentially; Binance futures has no
// single-request batch-amend endpoint.
func (c *BinanceClient) BatchAmend(ctx context.Context, orders []types.LiveOrder, symbol string) ([]types.LiveOrder, error) {
	out := make([]types.LiveOrder, 0, len(orders))
	for _, o := range orders {
		price := o.Price
		amended, err := c.Amend(ctx, o.OrderID, o.Qty, &price, symbol)
		if err != nil {
			return out, err
		}
		out = append(out, amended)
	}
	return out, nil
}

// ServerTime returns Binance's server clock in unix milliseconds.
func (c *BinanceClient) ServerTime(ctx context.Context) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/fapi/v1/time")
	if e := c.rejectIfError(resp, err); e != nil {
		return 0, e
	}
	return out.ServerTime, nil
}

// Fees returns the maker/taker fee schedule for symbol.
func (c *BinanceClient) Fees(ctx context.Context, symbol string) (types.Fees, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.Fees{}, err
	}
	qs := c.signedQuery(map[string]string{"symbol": symbol})
	var out struct {
		MakerCommissionRate string `json:"makerCommissionRate"`
		TakerCommissionRate string `json:"takerCommissionRate"`
	}
	resp, err := c.signedRequest(ctx).SetResult(&out).Get("/fapi/v1/commissionRate?" + qs)
	if e := c.rejectIfError(resp, err); e != nil {
		return types.Fees{}, e
	}
	maker, _ := strconv.ParseFloat(out.MakerCommissionRate, 64)
	taker, _ := strconv.ParseFloat(out.TakerCommissionRate, 64)
	return types.Fees{MakerBps: maker * 10_000, TakerBps: taker * 10_000}, nil
}

// ---------------------------------------------------------------------------
// WebSocket decoding
// ---------------------------------------------------------------------------

const binanceCombinedWSURL = "wss://fstream.binance.com/stream"

// BinanceSubscribeBuilder returns the SUBSCRIBE frame for Binance's combined
// depth-diff and aggTrade streams.
func BinanceSubscribeBuilder(symbols []string) any {
	streams := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@depth@100ms", lower+"@aggTrade")
	}
	return map[string]any{"method": "SUBSCRIBE", "params": streams, "id": 1}
}

// BinancePingBuilder returns nil: Binance's futures combined stream relies
// on protocol-level ping/pong frames, not an app-level keepalive message.
func BinancePingBuilder() any { return nil }

type binanceStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceDepthData struct {
	EventType string     `json:"e"`
	Symbol    string     `json:"s"`
	EventTime int64      `json:"E"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type binanceAggTradeData struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	EventTime int64  `json:"E"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	Maker     bool   `json:"m"`
}

// BinanceDecode decodes one raw frame from the combined futures stream into
// normalized market/trade events.
func BinanceDecode(data []byte) ([]types.MarketTick, []types.TradeTick, []types.ExecReport, []types.WalletSnapshot) {
	var env binanceStreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Stream == "" {
		return nil, nil, nil, nil
	}

	switch {
	case strings.Contains(env.Stream, "@depth"):
		var d binanceDepthData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, nil, nil, nil
		}
		return []types.MarketTick{{
			Venue:  "binance",
			Symbol: d.Symbol,
			Bids:   bybitLevels(d.Bids),
			Asks:   bybitLevels(d.Asks),
			TsMs:   d.EventTime,
			Kind:   types.TopOfBook,
		}}, nil, nil, nil

	case strings.Contains(env.Stream, "@aggTrade"):
		var t binanceAggTradeData
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, nil, nil, nil
		}
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Qty, 64)
		side := types.Buy
		if t.Maker {
			// a trade where the buyer is the maker means the aggressor sold
			side = types.Sell
		}
		return nil, []types.TradeTick{{Venue: "binance", Symbol: t.Symbol, TsMs: t.EventTime, Price: price, Volume: qty, Side: side}}, nil, nil
	}
	return nil, nil, nil, nil
}

// NewBinanceFeed builds the reconnecting public market-data feed for the
// given symbols against Binance's combined depth/aggTrade streams.
func NewBinanceFeed(symbols []string, logger *slog.Logger) *Feed {
	return NewFeed("binance", binanceCombinedWSURL, symbols, BinanceDecode, nil, BinanceSubscribeBuilder, BinancePingBuilder, logger)
}

type binanceListenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

// createListenKey obtains a new user-data-stream listen key.
func (c *BinanceClient) createListenKey(ctx context.Context) (string, error) {
	resp, err := c.signedRequest(ctx).Post("/fapi/v1/listenKey")
	if err := c.rejectIfError(resp, err); err != nil {
		return "", err
	}
	var out binanceListenKeyResp
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey re-extends listenKey every 30 minutes until ctx is
// cancelled, per Binance's requirement that a user-data-stream key expire
// after 60 minutes of inactivity.
func (c *BinanceClient) KeepAliveListenKey(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", c.auth.APIKey()).Put("/fapi/v1/listenKey")
		}
	}
}

// NewUserFeed obtains a listen key and builds the reconnecting private feed
// that carries our own execution reports and wallet balance updates. The
// caller is responsible for running KeepAliveListenKey alongside it.
func (c *BinanceClient) NewUserFeed(ctx context.Context, logger *slog.Logger) (*Feed, string, error) {
	listenKey, err := c.createListenKey(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("create listen key: %w", err)
	}
	url := "wss://fstream.binance.com/ws/" + listenKey
	return NewFeed("binance", url, nil, BinanceUserDecode, nil, nil, nil, logger), listenKey, nil
}

type binanceUserEventEnvelope struct {
	EventType string `json:"e"`
}

type binanceOrderTradeUpdate struct {
	Order struct {
		Symbol      string `json:"s"`
		Side        string `json:"S"`
		OrderID     int64  `json:"i"`
		LastFillQty string `json:"l"`
		LastFillPx  string `json:"L"`
		Commission  string `json:"n"`
	} `json:"o"`
}

type binanceAccountUpdate struct {
	Update struct {
		Balances []struct {
			Asset   string `json:"a"`
			Balance string `json:"wb"`
		} `json:"B"`
	} `json:"a"`
}

// BinanceUserDecode decodes one raw frame from the user-data stream
// (ORDER_TRADE_UPDATE, ACCOUNT_UPDATE) into normalized events.
func BinanceUserDecode(data []byte) ([]types.MarketTick, []types.TradeTick, []types.ExecReport, []types.WalletSnapshot) {
	var env binanceUserEventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, nil, nil
	}

	switch env.EventType {
	case "ORDER_TRADE_UPDATE":
		var upd binanceOrderTradeUpdate
		if err := json.Unmarshal(data, &upd); err != nil {
			return nil, nil, nil, nil
		}
		qty, _ := strconv.ParseFloat(upd.Order.LastFillQty, 64)
		if qty == 0 {
			return nil, nil, nil, nil
		}
		price, _ := strconv.ParseFloat(upd.Order.LastFillPx, 64)
		fee, _ := strconv.ParseFloat(upd.Order.Commission, 64)
		side := types.Buy
		if upd.Order.Side == "SELL" {
			side = types.Sell
		}
		report := types.ExecReport{
			OrderID: strconv.FormatInt(upd.Order.OrderID, 10),
			Symbol:  upd.Order.Symbol,
			ExecQty: qty,
			Side:    side,
			Price:   price,
			Fee:     fee,
		}
		return nil, nil, []types.ExecReport{report}, nil

	case "ACCOUNT_UPDATE":
		var upd binanceAccountUpdate
		if err := json.Unmarshal(data, &upd); err != nil {
			return nil, nil, nil, nil
		}
		balances := make(map[string]float64, len(upd.Update.Balances))
		for _, b := range upd.Update.Balances {
			bal, _ := strconv.ParseFloat(b.Balance, 64)
			balances[b.Asset] = bal
		}
		return nil, nil, nil, []types.WalletSnapshot{{Balances: balances}}
	}
	return nil, nil, nil, nil
}
