// ws.go implements a venue-agnostic reconnecting WebSocket feed for
// real-time market and private data.
//
// A single Feed drives one connection. The venue-specific wire format is
// confined to four injected functions: SubscribeBuilder (the subscribe frame
// to send on connect), Decoder (raw frame -> normalized events), AuthBuilder
// (login frame) and PingBuilder (keepalive frame). Bybit and Binance each
// supply their own set; the reconnect loop, ping loop, and
// channel fan-out are shared.
//
// The feed auto-reconnects with exponential backoff (600ms -> 30s max). A
// read deadline ensures a silently-dead connection is detected and retried
// rather than hanging forever.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketmaker/pkg/types"
)

const (
	pingInterval     = 20 * time.Second      // app-level keepalive ping cadence
	readTimeout      = 60 * time.Second      // silent-server detection window
	initialBackoff   = 600 * time.Millisecond // first reconnect wait
	maxReconnectWait = 30 * time.Second       // cap on exponential backoff
	writeTimeout     = 10 * time.Second
	tickBufferSize   = 256
	execBufferSize   = 64
)

// Decoder turns one raw websocket frame into zero or more normalized events.
// A venue's decoder only ever populates the event kinds its own wire format
// can produce (e.g. a market-data decoder never returns ExecReports).
type Decoder func(data []byte) ([]types.MarketTick, []types.TradeTick, []types.ExecReport, []types.WalletSnapshot)

// SubscribeBuilder returns the venue-specific subscribe payload for the
// given symbols, sent once immediately after connecting (and again on every
// reconnect).
type SubscribeBuilder func(symbols []string) any

// PingBuilder returns the venue-specific keepalive frame, or nil if the
// venue relies on protocol-level ping/pong instead of an app-level message.
type PingBuilder func() any

// AuthBuilder returns the venue-specific login frame, sent once immediately
// after connecting and before the subscribe frame. Nil for public feeds that
// need no authentication.
type AuthBuilder func() any

// Feed manages a single reconnecting WebSocket connection.
type Feed struct {
	venue   string
	url     string
	symbols []string

	decode         Decoder
	buildAuth      AuthBuilder
	buildSubscribe SubscribeBuilder
	buildPing      PingBuilder

	conn   *websocket.Conn
	connMu sync.Mutex

	ticks   chan types.MarketTick
	trades  chan types.TradeTick
	execs   chan types.ExecReport
	wallets chan types.WalletSnapshot

	logger *slog.Logger
}

// NewFeed constructs a Feed for venue, dialing url and subscribing to
// symbols on connect. decode and buildSubscribe encapsulate everything
// venue-specific. buildAuth is nil for public feeds; when non-nil its frame
// is sent immediately after connecting, before the subscribe frame.
func NewFeed(venue, url string, symbols []string, decode Decoder, buildAuth AuthBuilder, buildSubscribe SubscribeBuilder, buildPing PingBuilder, logger *slog.Logger) *Feed {
	return &Feed{
		venue:          venue,
		url:            url,
		symbols:        symbols,
		decode:         decode,
		buildAuth:      buildAuth,
		buildSubscribe: buildSubscribe,
		buildPing:      buildPing,
		ticks:          make(chan types.MarketTick, tickBufferSize),
		trades:         make(chan types.TradeTick, tickBufferSize),
		execs:          make(chan types.ExecReport, execBufferSize),
		wallets:        make(chan types.WalletSnapshot, execBufferSize),
		logger:         logger.With("component", "ws_feed", "venue", venue),
	}
}

// MarketTicks returns a read-only channel of normalized book updates.
func (f *Feed) MarketTicks() <-chan types.MarketTick { return f.ticks }

// TradeTicks returns a read-only channel of normalized public trades.
func (f *Feed) TradeTicks() <-chan types.TradeTick { return f.trades }

// ExecReports returns a read-only channel of normalized execution reports.
func (f *Feed) ExecReports() <-chan types.ExecReport { return f.execs }

// WalletSnapshots returns a read-only channel of normalized balance updates.
func (f *Feed) WalletSnapshots() <-chan types.WalletSnapshot { return f.wallets }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if f.buildAuth != nil {
		if err := f.writeJSON(f.buildAuth()); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if f.buildSubscribe != nil {
		if err := f.writeJSON(f.buildSubscribe(f.symbols)); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	f.logger.Info("websocket connected", "symbols", f.symbols)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) dispatchMessage(data []byte) {
	ticks, trades, execs, wallets := f.decode(data)

	for _, t := range ticks {
		select {
		case f.ticks <- t:
		default:
			f.logger.Warn("market tick channel full, dropping event", "symbol", t.Symbol)
		}
	}
	for _, t := range trades {
		select {
		case f.trades <- t:
		default:
			f.logger.Warn("trade tick channel full, dropping event", "symbol", t.Symbol)
		}
	}
	for _, e := range execs {
		select {
		case f.execs <- e:
		default:
			f.logger.Warn("exec report channel full, dropping event", "order_id", e.OrderID)
		}
	}
	for _, w := range wallets {
		select {
		case f.wallets <- w:
		default:
			f.logger.Warn("wallet snapshot channel full, dropping event")
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.buildPing == nil {
				if err := f.writePing(); err != nil {
					f.logger.Warn("ping failed", "error", err)
					return
				}
				continue
			}
			if err := f.writeJSON(f.buildPing()); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writePing() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(websocket.PingMessage, nil)
}
